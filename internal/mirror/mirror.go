// Package mirror keeps best-effort JSON shadow copies of records in object
// storage. The mirror is never the source of truth: callers treat a missing
// or stale blob as an expected state.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("mirror object not found")
	ErrUnavailable = errors.New("mirror unavailable")
)

// SettingsKey holds the full settings map as a single blob.
const SettingsKey = "settings/global.json"

const defaultTimeout = 5 * time.Second

// ObjectStore is the minimal key/value surface the mirror needs from a backend.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}

type Mirror struct {
	objects ObjectStore
	timeout time.Duration
	logger  *slog.Logger
}

func New(objects ObjectStore, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Mirror{objects: objects, timeout: timeout, logger: slog.Default()}
}

func (m *Mirror) WithLogger(logger *slog.Logger) *Mirror {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Key builds the deterministic blob path for a record, for example
// policies/manual/<id>.json.
func Key(collection, source, id string) string {
	return cleanSegment(collection) + "/" + cleanSegment(source) + "/" + cleanSegment(id) + ".json"
}

func cleanSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

// Put encodes payload as JSON and overwrites the blob at key.
func (m *Mirror) Put(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mirror payload %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.objects.PutObject(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

// Get reads the blob at key. Missing objects report ErrNotFound; every other
// backend failure reports ErrUnavailable.
func (m *Mirror) Get(ctx context.Context, key string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	data, err := m.objects.GetObject(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %w", key, ErrUnavailable, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("get %s: %w: stored blob is not JSON", key, ErrUnavailable)
	}
	return json.RawMessage(data), nil
}

// TryPut is Put with failures downgraded to a logged warning.
func (m *Mirror) TryPut(ctx context.Context, key string, payload any) bool {
	if err := m.Put(ctx, key, payload); err != nil {
		m.logger.Warn("mirror write failed", "key", key, "error", err)
		return false
	}
	return true
}

// TryGet is Get with every failure absorbed.
func (m *Mirror) TryGet(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := m.Get(ctx, key)
	if err != nil {
		m.logger.Debug("mirror read skipped", "key", key, "error", err)
		return nil, false
	}
	return data, true
}

func (m *Mirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.objects.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
