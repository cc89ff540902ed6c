// Package vision interprets replay screenshots with a multimodal Gemini model.
package vision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
)

const systemPrompt = `You review screenshots taken while a recorded browser session is replayed.
Answer the user's question about the screenshot. Reply with a single JSON object:
{"confidence": <number between 0 and 1>, "description": "<one or two sentences>"}`

// generator is the subset of *genai.Models used by the analyzer.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Analyzer implements schemas.VisualAnalyzer.
type Analyzer struct {
	cfg        config.VisionConfig
	gen        generator
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

var _ schemas.VisualAnalyzer = (*Analyzer)(nil)

// New returns an Analyzer backed by the Gemini API, or nil when vision is disabled.
// Callers treat a nil schemas.VisualAnalyzer as the capability being off.
func New(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (schemas.VisualAnalyzer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newAnalyzer(cfg, client.Models, logger), nil
}

func newAnalyzer(cfg config.VisionConfig, gen generator, logger *zap.Logger) *Analyzer {
	return &Analyzer{cfg: cfg, gen: gen, logger: logger.Named("vision"), newBackOff: defaultBackOff}
}

// defaultBackOff retries transient request failures. The request timeout still bounds
// the whole exchange.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// Analyze sends the PNG at screenshotPath with prompt and returns the model's judgement.
// Results below the configured minimum confidence are returned with an error.
func (a *Analyzer) Analyze(ctx context.Context, screenshotPath, prompt string) (*schemas.VisualAnalysis, error) {
	if prompt == "" {
		return nil, &schemas.ValidationError{Field: "prompt", Reason: "is required"}
	}
	img, err := os.ReadFile(screenshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img, "image/png"),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	}

	start := time.Now()
	var analysis *schemas.VisualAnalysis
	operation := func() error {
		resp, err := a.gen.GenerateContent(ctx, a.cfg.Model, contents, genCfg)
		if err != nil {
			a.logger.Warn("Gemini request failed, retrying...", zap.Error(err))
			return fmt.Errorf("gemini request failed: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return backoff.Permanent(errors.New("gemini returned no candidates"))
		}
		parsed, err := parseObject[schemas.VisualAnalysis](resp.Text())
		if err != nil {
			return backoff.Permanent(err)
		}
		analysis = parsed
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(a.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	a.logger.Debug("Screenshot analyzed.",
		zap.String("screenshot", screenshotPath),
		zap.Float64("confidence", analysis.Confidence),
		zap.Duration("duration", time.Since(start)))

	if analysis.Confidence < 0 || analysis.Confidence > 1 {
		return nil, fmt.Errorf("model reported confidence %.2f outside [0, 1]", analysis.Confidence)
	}
	if analysis.Confidence < a.cfg.MinConfidence {
		return analysis, fmt.Errorf("visual analysis confidence %.2f is below %.2f", analysis.Confidence, a.cfg.MinConfidence)
	}
	return analysis, nil
}
