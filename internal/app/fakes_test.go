package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/session"
	"brokerdesk/api/internal/store"
)

// fakeStore keeps records in memory and enforces business key uniqueness the
// way the unique index does. The fn fields override individual calls.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]store.Record
	keys     map[string]string
	settings map[string]json.RawMessage
	seq      int

	createFn       func(context.Context, store.Record) (store.Record, error)
	setMirrorKeyFn func(context.Context, store.Kind, string, string) error
	listSettingsFn func(context.Context) (map[string]json.RawMessage, error)
	pingFn         func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]store.Record),
		keys:     make(map[string]string),
		settings: make(map[string]json.RawMessage),
	}
}

func (f *fakeStore) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	if f.createFn != nil {
		return f.createFn(ctx, rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimSpace(rec.BusinessKey)
	if key == "" {
		key, _ = rec.Fields[rec.Kind.KeyField()].(string)
	}
	if strings.TrimSpace(key) == "" {
		return store.Record{}, &store.ValidationError{Field: rec.Kind.KeyField(), Message: "is required"}
	}
	index := string(rec.Kind) + "/" + key
	if _, exists := f.keys[index]; exists {
		return store.Record{}, fmt.Errorf("insert %s: %w", rec.Kind, store.ErrDuplicateKey)
	}

	f.seq++
	rec.ID = fmt.Sprintf("00000000-0000-0000-0000-%012d", f.seq)
	rec.BusinessKey = key
	rec.Fields = cloneFields(rec.Fields)
	rec.Fields[rec.Kind.KeyField()] = key
	rec.CreatedAt = time.Unix(int64(f.seq), 0).UTC()
	rec.UpdatedAt = rec.CreatedAt
	rec.MirrorKey = nil
	f.records[rec.ID] = rec
	f.keys[index] = rec.ID
	return rec, nil
}

func (f *fakeStore) SetMirrorKey(ctx context.Context, kind store.Kind, id, key string) error {
	if f.setMirrorKeyFn != nil {
		return f.setMirrorKeyFn(ctx, kind, id, key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Kind != kind {
		return store.ErrNotFound
	}
	rec.MirrorKey = &key
	f.records[id] = rec
	return nil
}

func (f *fakeStore) Get(_ context.Context, kind store.Kind, id string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Kind != kind {
		return store.Record{}, store.ErrNotFound
	}
	rec.Fields = cloneFields(rec.Fields)
	return rec, nil
}

func (f *fakeStore) GetByBusinessKey(ctx context.Context, kind store.Kind, key string) (store.Record, error) {
	f.mu.Lock()
	id, ok := f.keys[string(kind)+"/"+key]
	f.mu.Unlock()
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return f.Get(ctx, kind, id)
}

func (f *fakeStore) List(_ context.Context, kind store.Kind, limit, offset int) ([]store.Record, error) {
	items := f.filter(func(rec store.Record) bool { return rec.Kind == kind })
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) ListUnmirrored(_ context.Context, kind store.Kind, limit int) ([]store.Record, error) {
	items := f.filter(func(rec store.Record) bool { return rec.Kind == kind && rec.MirrorKey == nil })
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) UpdateFields(_ context.Context, kind store.Kind, id string, fields map[string]any) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Kind != kind {
		return store.Record{}, store.ErrNotFound
	}
	if v, present := fields[kind.KeyField()]; present && v != rec.BusinessKey {
		return store.Record{}, &store.ValidationError{Field: kind.KeyField(), Message: "cannot be changed"}
	}
	merged := cloneFields(rec.Fields)
	for k, v := range fields {
		merged[k] = v
	}
	rec.Fields = merged
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	f.records[id] = rec
	return rec, nil
}

func (f *fakeStore) UpsertSetting(_ context.Context, key string, value json.RawMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	if f.listSettingsFn != nil {
		return f.listSettingsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) stored(id string) store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id]
}

func (f *fakeStore) filter(keep func(store.Record) bool) []store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Record, 0)
	for _, rec := range f.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

type notification struct {
	userID string
	origin string
	event  session.Event
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(_ context.Context, userID, originDeviceID string, event session.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{userID: userID, origin: originDeviceID, event: event})
	return 1
}

func (f *fakeNotifier) all() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.sent...)
}

// downObjects is an object store that is never reachable.
type downObjects struct{}

var errObjectsDown = errors.New("object storage unreachable")

func (downObjects) PutObject(context.Context, string, []byte) error   { return errObjectsDown }
func (downObjects) GetObject(context.Context, string) ([]byte, error) { return nil, errObjectsDown }
func (downObjects) Ping(context.Context) error                        { return errObjectsDown }

type testEnv struct {
	service  *Service
	store    *fakeStore
	objects  *mirror.MemoryStore
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	records := newFakeStore()
	objects := mirror.NewMemoryStore()
	events := &fakeNotifier{}
	svc := New(config.Config{StoreTimeout: time.Second, BatchConcurrency: 4}, records, mirror.New(objects, time.Second), events)
	return testEnv{service: svc, store: records, objects: objects, notifier: events}
}

// withDownMirror returns a service sharing env's store and notifier whose
// mirror cannot be reached.
func (env testEnv) withDownMirror() *Service {
	return New(config.Config{StoreTimeout: time.Second, BatchConcurrency: 4}, env.store, mirror.New(downObjects{}, time.Second), env.notifier)
}

var agentU = Actor{UserID: "user-u", DeviceID: "device-a", Role: "agent"}

func policyInput(number string) RecordInput {
	return RecordInput{
		Fields: map[string]any{
			"policyNumber": number,
			"insurer":      "Northwind General",
			"customerName": "Priya Sharma",
		},
	}
}

// recordingConn is a device connection that keeps every event it was sent.
type recordingConn struct {
	mu     sync.Mutex
	events []session.Event
}

func (c *recordingConn) Send(_ context.Context, event session.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) Close(string) error { return nil }

func (c *recordingConn) received() []session.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Event(nil), c.events...)
}
