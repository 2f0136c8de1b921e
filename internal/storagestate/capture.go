package storagestate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"browsernerd/internal/domain"

	"go.uber.org/zap"
)

// StorageKind selects localStorage or sessionStorage.
type StorageKind int

const (
	LocalStorage StorageKind = iota
	SessionStorage
)

func (k StorageKind) String() string {
	if k == SessionStorage {
		return "sessionStorage"
	}
	return "localStorage"
}

// Surface is the part of the browser control layer the persister needs.
type Surface interface {
	GetCookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// ListOrigins returns the origins loaded across all frames of all pages.
	ListOrigins(ctx context.Context) ([]string, error)
	GetStorageItems(ctx context.Context, origin string, kind StorageKind) ([]StorageItem, error)
	// InjectRestoreScript registers source to run before every new document.
	InjectRestoreScript(ctx context.Context, source string) error
}

// Capture reads the live browser state. A cookie failure fails the capture;
// an origin whose storage cannot be read is left out so merge keeps whatever
// was persisted for it before.
func Capture(ctx context.Context, s Surface, logger *zap.Logger) (Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cookies, err := s.GetCookies(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get cookies: %w", err)
	}
	snap := Snapshot{Cookies: cookies}

	origins, err := s.ListOrigins(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list origins: %w", err)
	}

	seen := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if !storableOrigin(origin) || seen[origin] {
			continue
		}
		seen[origin] = true

		local, err := s.GetStorageItems(ctx, origin, LocalStorage)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			logger.Debug("skipping origin storage", zap.String("origin", origin), zap.Error(err))
			continue
		}
		session, err := s.GetStorageItems(ctx, origin, SessionStorage)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			logger.Debug("skipping origin storage", zap.String("origin", origin), zap.Error(err))
			continue
		}
		snap.Origins = append(snap.Origins, OriginStorage{
			Origin:         origin,
			LocalStorage:   local,
			SessionStorage: session,
		})
	}
	return snap, nil
}

func storableOrigin(origin string) bool {
	if origin == "" || origin == "null" || domain.IsInternalPage(origin) {
		return false
	}
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// RestoreScript returns an init script that seeds origin's storage. It only
// acts when the document's origin matches, so one script per origin can be
// registered on every page.
func RestoreScript(o OriginStorage) (string, error) {
	origin, err := json.Marshal(o.Origin)
	if err != nil {
		return "", err
	}
	local, err := json.Marshal(pairs(o.LocalStorage))
	if err != nil {
		return "", err
	}
	session, err := json.Marshal(pairs(o.SessionStorage))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("(function () {\n")
	fmt.Fprintf(&b, "  if (window.location.origin !== %s) return;\n", origin)
	b.WriteString("  var seed = function (store, items) { try { for (var i = 0; i < items.length; i++) { store.setItem(items[i][0], items[i][1]); } } catch (e) {} };\n")
	fmt.Fprintf(&b, "  seed(window.localStorage, %s);\n", local)
	fmt.Fprintf(&b, "  seed(window.sessionStorage, %s);\n", session)
	b.WriteString("})();\n")
	return b.String(), nil
}

func pairs(items []StorageItem) [][2]string {
	out := make([][2]string, 0, len(items))
	for _, it := range items {
		out = append(out, [2]string{it.Name, it.Value})
	}
	return out
}
