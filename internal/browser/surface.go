package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"browsernerd/internal/logging"
	"browsernerd/internal/storagestate"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ErrNoPage is returned when the browser has no page to act on.
var ErrNoPage = errors.New("no open page")

// Surface is everything the rest of the system needs from a browser.
type Surface interface {
	storagestate.Surface
	CurrentURL(ctx context.Context) (string, error)
	Execute(ctx context.Context, action string, params map[string]any) error
}

var _ Surface = (*RodSurface)(nil)

// RodSurface drives a Chrome instance through go-rod.
type RodSurface struct {
	browser *rod.Browser
	cfg     Config
	logger  *zap.Logger

	mu      sync.RWMutex
	active  *rod.Page
	scripts []string
}

// NewRodSurface wraps a connected browser.
func NewRodSurface(b *rod.Browser, cfg Config, logger *zap.Logger) *RodSurface {
	return &RodSurface{
		browser: b,
		cfg:     cfg,
		logger:  logging.Or(logger, logging.CategoryBrowser),
	}
}

// NewPage opens a page with every registered restore script installed,
// then navigates to url. The new page becomes the active one.
func (s *RodSurface) NewPage(ctx context.Context, url string) (*rod.Page, error) {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(context.Background())

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.GetViewportWidth(),
		Height:            s.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}

	s.mu.RLock()
	scripts := append([]string{}, s.scripts...)
	s.mu.RUnlock()
	for _, js := range scripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return nil, fmt.Errorf("install restore script: %w", err)
		}
	}

	s.setActive(page)
	if url != "" && url != "about:blank" {
		if err := s.navigate(ctx, page, url); err != nil {
			return page, err
		}
	}
	return page, nil
}

func (s *RodSurface) setActive(p *rod.Page) {
	s.mu.Lock()
	s.active = p
	s.mu.Unlock()
}

// page returns the active page, falling back to the first open page.
func (s *RodSurface) page(ctx context.Context) (*rod.Page, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active != nil {
		return active.Context(ctx), nil
	}

	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, ErrNoPage
	}
	s.setActive(pages.First())
	return pages.First().Context(ctx), nil
}

// GetCookies returns every cookie in the browser.
func (s *RodSurface) GetCookies(ctx context.Context) ([]storagestate.Cookie, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]storagestate.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, fromProtoCookie(c))
	}
	return out, nil
}

// SetCookies installs cookies browser-wide.
func (s *RodSurface) SetCookies(ctx context.Context, cookies []storagestate.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toProtoCookie(c))
	}
	return s.browser.Context(ctx).SetCookies(params)
}

// ListOrigins returns the security origins of every frame of every page.
func (s *RodSurface) ListOrigins(ctx context.Context) ([]string, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var origins []string
	seen := make(map[string]bool)
	for _, p := range pages {
		tree, err := proto.PageGetFrameTree{}.Call(p.Context(ctx))
		if err != nil {
			s.logger.Debug("frame tree unavailable", zap.String("target", string(p.TargetID)), zap.Error(err))
			continue
		}
		for _, o := range frameOrigins(tree.FrameTree) {
			if !seen[o] {
				seen[o] = true
				origins = append(origins, o)
			}
		}
	}
	return origins, nil
}

func frameOrigins(tree *proto.PageFrameTree) []string {
	if tree == nil {
		return nil
	}
	var out []string
	if tree.Frame != nil && tree.Frame.SecurityOrigin != "" {
		out = append(out, tree.Frame.SecurityOrigin)
	}
	for _, child := range tree.ChildFrames {
		out = append(out, frameOrigins(child)...)
	}
	return out
}

// GetStorageItems reads one origin's storage through the DOMStorage domain,
// using a page that has the origin loaded so sessionStorage is the right one.
func (s *RodSurface) GetStorageItems(ctx context.Context, origin string, kind storagestate.StorageKind) ([]storagestate.StorageItem, error) {
	page, err := s.pageForOrigin(ctx, origin)
	if err != nil {
		return nil, err
	}
	if err := (proto.DOMStorageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable dom storage: %w", err)
	}
	res, err := proto.DOMStorageGetDOMStorageItems{
		StorageID: &proto.DOMStorageStorageID{
			SecurityOrigin: origin,
			IsLocalStorage: kind == storagestate.LocalStorage,
		},
	}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("get %s for %s: %w", kind, origin, err)
	}
	return storageItems(res.Entries), nil
}

func storageItems(entries []proto.DOMStorageItem) []storagestate.StorageItem {
	out := make([]storagestate.StorageItem, 0, len(entries))
	for _, e := range entries {
		if len(e) < 2 {
			continue
		}
		out = append(out, storagestate.StorageItem{Name: e[0], Value: e[1]})
	}
	return out
}

func (s *RodSurface) pageForOrigin(ctx context.Context, origin string) (*rod.Page, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		tree, err := proto.PageGetFrameTree{}.Call(p.Context(ctx))
		if err != nil {
			continue
		}
		for _, o := range frameOrigins(tree.FrameTree) {
			if o == origin {
				return p.Context(ctx), nil
			}
		}
	}
	return nil, fmt.Errorf("origin %s is not loaded in any page", origin)
}

// InjectRestoreScript installs source on every open page and remembers it
// for pages opened later through NewPage.
func (s *RodSurface) InjectRestoreScript(ctx context.Context, source string) error {
	s.mu.Lock()
	s.scripts = append(s.scripts, source)
	s.mu.Unlock()

	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		if _, err := p.Context(ctx).EvalOnNewDocument(source); err != nil {
			return fmt.Errorf("install restore script on %s: %w", p.TargetID, err)
		}
	}
	return nil
}

// CurrentURL returns the active page's URL.
func (s *RodSurface) CurrentURL(ctx context.Context) (string, error) {
	page, err := s.page(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Close closes the browser.
func (s *RodSurface) Close() error {
	return s.browser.Close()
}

func fromProtoCookie(c *proto.NetworkCookie) storagestate.Cookie {
	expires := float64(c.Expires)
	if c.Session || expires <= 0 {
		expires = -1
	}
	return storagestate.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
}

func toProtoCookie(c storagestate.Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
	}
	if c.Expires > 0 {
		p.Expires = proto.TimeSinceEpoch(c.Expires)
	}
	return p
}
