package browser

import (
	"context"
	"errors"
	"fmt"

	"browsernerd/internal/domain"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ErrNavigationBlocked is returned when a navigation target is outside the
// allowed domains.
var ErrNavigationBlocked = errors.New("navigation blocked by allowed_domains")

// Execute runs one action against the active page. Supported actions:
//
//	navigate   {url}
//	click      {selector}
//	input_text {selector, text, clear?}
//	go_back    {}
func (s *RodSurface) Execute(ctx context.Context, action string, params map[string]any) error {
	if action == "navigate" {
		url, err := stringParam(params, "url")
		if err != nil {
			return err
		}
		page, err := s.page(ctx)
		if errors.Is(err, ErrNoPage) {
			_, err = s.NewPage(ctx, url)
			return err
		}
		if err != nil {
			return err
		}
		return s.navigate(ctx, page, url)
	}

	page, err := s.page(ctx)
	if err != nil {
		return err
	}

	switch action {
	case "click":
		el, err := s.element(page, params)
		if err != nil {
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case "input_text":
		el, err := s.element(page, params)
		if err != nil {
			return err
		}
		text, err := stringParam(params, "text")
		if err != nil {
			return err
		}
		if reset, _ := params["clear"].(bool); reset {
			if err := el.SelectAllText(); err != nil {
				return fmt.Errorf("clear input: %w", err)
			}
		}
		return el.Input(text)
	case "go_back":
		return page.NavigateBack()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (s *RodSurface) navigate(ctx context.Context, page *rod.Page, url string) error {
	if !Allowed(s.cfg.AllowedDomains, url) {
		s.logger.Warn("navigation blocked", zap.String("url", url))
		return fmt.Errorf("%w: %s", ErrNavigationBlocked, url)
	}
	if err := page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (s *RodSurface) element(page *rod.Page, params map[string]any) (*rod.Element, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	el, err := page.Timeout(s.cfg.NavigationTimeout()).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %w", err)
	}
	return el.CancelTimeout(), nil
}

// Allowed reports whether url may be navigated to. Internal pages are always
// allowed; an empty list allows everything.
func Allowed(allowed []string, url string) bool {
	if len(allowed) == 0 || domain.IsInternalPage(url) {
		return true
	}
	for _, pattern := range allowed {
		if domain.Match(url, pattern) {
			return true
		}
	}
	return false
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	return s, nil
}
