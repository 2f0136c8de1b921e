package browser

import (
	"context"
	"fmt"

	"browsernerd/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"
)

// Launch connects to an existing Chrome or launches a new one and returns
// the connected browser with its control URL. ctx only bounds the launch;
// the connection outlives it so a final save can still run at shutdown.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*rod.Browser, string, error) {
	logger = logging.Or(logger, logging.CategoryBrowser)
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	controlURL := cfg.DebuggerURL
	if controlURL == "" && len(cfg.Launch) > 0 {
		bin := cfg.Launch[0]
		l := launcher.New().Bin(bin).Headless(cfg.Headless)
		for _, raw := range cfg.Launch[1:] {
			name, val, hasVal := launchFlag(raw)
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		u, err := l.Launch()
		if err != nil {
			// Retry without the extra flags.
			fallback := launcher.New().Bin(bin).Headless(cfg.Headless)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return nil, "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			logger.Warn("chrome launch flags rejected, launched without them", zap.Error(err))
			u = alt
		}
		controlURL = u
	}

	if controlURL == "" {
		u, err := launcher.New().Headless(cfg.Headless).Launch()
		if err != nil {
			return nil, "", fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = u
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, "", fmt.Errorf("connect to chrome: %w", err)
	}
	logger.Info("browser connected", zap.String("control_url", controlURL))
	return b, controlURL, nil
}
