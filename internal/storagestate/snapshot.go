// Package storagestate captures, merges and persists a browser's cookies and
// per-origin Web Storage so an authenticated session survives restarts.
//
// The on-disk format is the Playwright-style storage state JSON:
//
//	{"cookies": [...], "origins": [{"origin": "...", "localStorage": [...], "sessionStorage": [...]}]}
package storagestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	// ErrCorruptState marks a persisted file that could not be parsed.
	ErrCorruptState = errors.New("corrupt storage state")
	// ErrPersistenceIO marks a failed temp write, backup or rename. The
	// previous file is left untouched.
	ErrPersistenceIO = errors.New("storage state write failed")
	// ErrCheckpointSkipped is returned when capture did not finish within the
	// capture timeout. The next tick tries again.
	ErrCheckpointSkipped = errors.New("checkpoint skipped")
	// ErrClosed is returned by Save after Close.
	ErrClosed = errors.New("persister closed")
)

// Cookie is a browser cookie. Expires is epoch seconds, -1 for a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookieKey identifies a cookie for merging.
type CookieKey struct {
	Name, Domain, Path string
}

// Key returns the (name, domain, path) identity of c.
func (c Cookie) Key() CookieKey {
	return CookieKey{Name: c.Name, Domain: c.Domain, Path: c.Path}
}

// Expired reports whether a persistent cookie is past its expiry at now
// (epoch seconds). Session cookies never expire here.
func (c Cookie) Expired(now float64) bool {
	return c.Expires > 0 && c.Expires < now
}

// StorageItem is one localStorage or sessionStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage is the Web Storage of one origin (scheme://host[:port]).
type OriginStorage struct {
	Origin         string        `json:"origin"`
	LocalStorage   []StorageItem `json:"localStorage"`
	SessionStorage []StorageItem `json:"sessionStorage"`
}

// Empty reports whether the origin holds no items at all.
func (o OriginStorage) Empty() bool {
	return len(o.LocalStorage) == 0 && len(o.SessionStorage) == 0
}

// Snapshot is the full storage state at one instant. Snapshots are values:
// Merge and Clone never share slices with their inputs.
type Snapshot struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Cookies: append([]Cookie{}, s.Cookies...),
		Origins: make([]OriginStorage, 0, len(s.Origins)),
	}
	for _, o := range s.Origins {
		out.Origins = append(out.Origins, o.clone())
	}
	return out
}

func (o OriginStorage) clone() OriginStorage {
	return OriginStorage{
		Origin:         o.Origin,
		LocalStorage:   append([]StorageItem{}, o.LocalStorage...),
		SessionStorage: append([]StorageItem{}, o.SessionStorage...),
	}
}

// Marshal encodes s in the on-disk format. Nil slices are written as [].
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s.Clone(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal storage state: %w", err)
	}
	return append(data, '\n'), nil
}

// Parse decodes the on-disk format. Any failure wraps ErrCorruptState.
func Parse(data []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty file", ErrCorruptState)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	for i, o := range s.Origins {
		if o.Origin == "" {
			return Snapshot{}, fmt.Errorf("%w: origin %d has no origin field", ErrCorruptState, i)
		}
	}
	return s, nil
}

// Fingerprint hashes the encoded snapshot. Equal fingerprints mean there is
// nothing new to write.
func (s Snapshot) Fingerprint() [32]byte {
	data, err := json.Marshal(s.Clone())
	if err != nil {
		return [32]byte{}
	}
	return blake3.Sum256(data)
}

// Merge combines a persisted snapshot with a fresh capture. Cookies are keyed
// by (name, domain, path) and origins by origin; incoming wins every
// conflict and replaces an origin's storage as a whole. Nothing in existing
// is dropped. Existing order is kept and new entries are appended in
// incoming order, so Merge(Merge(a, b), b) equals Merge(a, b).
func Merge(existing, incoming Snapshot) Snapshot {
	out := Snapshot{
		Cookies: make([]Cookie, 0, len(existing.Cookies)+len(incoming.Cookies)),
		Origins: make([]OriginStorage, 0, len(existing.Origins)+len(incoming.Origins)),
	}

	cookieIdx := make(map[CookieKey]int, len(existing.Cookies)+len(incoming.Cookies))
	for _, c := range append(append([]Cookie{}, existing.Cookies...), incoming.Cookies...) {
		if i, ok := cookieIdx[c.Key()]; ok {
			out.Cookies[i] = c
			continue
		}
		cookieIdx[c.Key()] = len(out.Cookies)
		out.Cookies = append(out.Cookies, c)
	}

	originIdx := make(map[string]int, len(existing.Origins)+len(incoming.Origins))
	for _, o := range append(append([]OriginStorage{}, existing.Origins...), incoming.Origins...) {
		if i, ok := originIdx[o.Origin]; ok {
			out.Origins[i] = o.clone()
			continue
		}
		originIdx[o.Origin] = len(out.Origins)
		out.Origins = append(out.Origins, o.clone())
	}
	return out
}
