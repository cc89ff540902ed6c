// internal/serializer/serializer.go
package serializer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
)

// Format tags every blob produced by this package.
const Format = "scalpel-state/snapshot"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Blob is the transport form of a Snapshot.
type Blob struct {
	Format     string `json:"format"`
	Version    string `json:"version"`
	Compressed bool   `json:"compressed"`
	// Checksum is the hex sha256 of Payload exactly as stored.
	Checksum string `json:"checksum"`
	Payload  []byte `json:"payload"`
}

// MarshalBinary encodes the blob envelope.
func (b *Blob) MarshalBinary() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBinary decodes a blob envelope.
func (b *Blob) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, b); err != nil {
		return &schemas.ValidationError{Field: "blob", Reason: fmt.Sprintf("is not a valid envelope: %v", err)}
	}
	if b.Format != Format {
		return &schemas.ValidationError{Field: "blob.format", Reason: fmt.Sprintf("is %q, want %q", b.Format, Format)}
	}
	return nil
}

// Serializer converts Snapshots to and from Blobs.
type Serializer struct {
	cfg    config.SerializerConfig
	logger *zap.Logger
}

// New validates cfg and returns a Serializer.
func New(cfg config.SerializerConfig, logger *zap.Logger) (*Serializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Serializer{cfg: cfg, logger: logger.Named("serializer")}, nil
}

// Serialize encodes snap. The snapshot checksum is recomputed after the compression
// decision so that Metadata.Compressed is covered by it. snap itself is not modified.
func (s *Serializer) Serialize(snap *schemas.Snapshot) (*Blob, error) {
	if snap == nil {
		return nil, &schemas.ValidationError{Field: "snapshot", Reason: "is nil"}
	}
	clone := *snap
	clone.Metadata.Compressed = false
	clone.Metadata.Checksum = ""

	probe, err := clone.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	clone.Metadata.Compressed = len(probe) > s.cfg.CompressionThreshold

	sum, err := clone.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	clone.Metadata.Checksum = sum

	payload, err := clone.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if clone.Metadata.Compressed {
		raw := len(payload)
		if payload, err = s.compress(payload); err != nil {
			return nil, err
		}
		s.logger.Debug("Compressed snapshot payload.",
			zap.String("snapshot_id", snap.ID), zap.Int("raw", raw), zap.Int("compressed", len(payload)))
	}

	return &Blob{
		Format:     Format,
		Version:    clone.Version,
		Compressed: clone.Metadata.Compressed,
		Checksum:   digest(payload),
		Payload:    payload,
	}, nil
}

// Deserialize decodes b. With checksum verification enabled a mismatch on either the
// payload or the embedded snapshot checksum yields an *schemas.IntegrityError. A version
// mismatch only adds a warning.
func (s *Serializer) Deserialize(b *Blob) (*schemas.Snapshot, error) {
	if b == nil {
		return nil, &schemas.ValidationError{Field: "blob", Reason: "is nil"}
	}
	if s.cfg.VerifyChecksum && b.Checksum != "" {
		if actual := digest(b.Payload); actual != b.Checksum {
			return nil, &schemas.IntegrityError{Scope: "payload", Expected: b.Checksum, Actual: actual}
		}
	}

	payload := b.Payload
	if b.Compressed {
		var err error
		if payload, err = decompress(payload); err != nil {
			return nil, err
		}
	}

	var snap schemas.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, &schemas.ValidationError{Field: "payload", Reason: fmt.Sprintf("is not a valid snapshot: %v", err)}
	}
	if s.cfg.VerifyChecksum {
		if err := snap.VerifyChecksum(); err != nil {
			return nil, err
		}
	}

	if snap.Version == "" {
		return nil, &schemas.ValidationError{Field: "version", Reason: "is required"}
	}
	if snap.Version != schemas.SnapshotVersion {
		snap.Metadata.AddWarning("snapshot version %s differs from supported version %s", snap.Version, schemas.SnapshotVersion)
		s.logger.Warn("Snapshot version mismatch; decoding on a best-effort basis.",
			zap.String("snapshot_id", snap.ID),
			zap.String("version", snap.Version),
			zap.String("supported", schemas.SnapshotVersion))
	}
	return &snap, nil
}

// Encode is Serialize followed by MarshalBinary.
func (s *Serializer) Encode(snap *schemas.Snapshot) ([]byte, error) {
	b, err := s.Serialize(snap)
	if err != nil {
		return nil, err
	}
	return b.MarshalBinary()
}

// Decode is UnmarshalBinary followed by Deserialize.
func (s *Serializer) Decode(data []byte) (*schemas.Snapshot, error) {
	var b Blob
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s.Deserialize(&b)
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, s.cfg.CompressionLevel)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, &schemas.ValidationError{Field: "payload", Reason: fmt.Sprintf("failed to decompress: %v", err)}
	}
	return out, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
