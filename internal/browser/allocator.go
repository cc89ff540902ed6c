package browser

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-state/internal/config"
)

// flag is a single Chrome command line switch. A bool value of true renders as a bare switch.
type flag struct {
	name  string
	value any
}

// allocatorFlags derives the Chrome switches for cfg. Viewport and user agent are applied
// per tab, so only process level switches appear here.
func allocatorFlags(cfg config.BrowserConfig) []flag {
	flags := []flag{
		{"no-sandbox", true},
		{"disable-gpu", true},
		{"disable-dev-shm-usage", true},
		{"no-first-run", true},
		{"no-default-browser-check", true},
		{"enable-automation", true},
	}
	if cfg.Headless {
		flags = append(flags, flag{"headless", true}, flag{"hide-scrollbars", true}, flag{"mute-audio", true})
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, flag{"ignore-certificate-errors", true}, flag{"allow-insecure-localhost", true})
	}

	// Extra args come straight from config, with or without leading dashes and an optional =value.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags = append(flags, flag{key, value})
		} else {
			flags = append(flags, flag{arg, true})
		}
	}
	return flags
}

// DefaultAllocatorOptions returns the exec allocator options for launching Chrome with cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+2)
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// NewAllocator starts a Chrome exec allocator configured from cfg.
func NewAllocator(ctx context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc) {
	return chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)
}
