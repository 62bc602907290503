package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	err error
}

func (f failingStore) PutObject(context.Context, string, []byte) error   { return f.err }
func (f failingStore) GetObject(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Ping(context.Context) error                        { return f.err }

type blockingStore struct{}

func (blockingStore) PutObject(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingStore) GetObject(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Ping(context.Context) error { return nil }

func TestKeyIsDeterministicAndHierarchical(t *testing.T) {
	id := "3f7c5e3a-8d7b-4bb0-9a2c-0d6f4a3b9e10"
	assert.Equal(t, "policies/manual/"+id+".json", Key("policies", "manual", id))
	assert.Equal(t, Key("policies", "manual", id), Key("policies", "manual", id))
	assert.NotEqual(t, Key("policies", "manual", id), Key("uploads", "manual", id))
	assert.Equal(t, "policies/pdf/a-b.json", Key("Policies", " PDF ", "a/b"))
	assert.Equal(t, "uploads/unknown/-.json", Key("uploads", "", ".."))
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryStore(), time.Second)

	require.NoError(t, m.Put(ctx, "policies/manual/1.json", map[string]any{"policyNumber": "POL-1"}))
	require.NoError(t, m.Put(ctx, "policies/manual/1.json", map[string]any{"policyNumber": "POL-1", "premium": 10}))

	data, err := m.Get(ctx, "policies/manual/1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"policyNumber":"POL-1","premium":10}`, string(data))
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	m := New(NewMemoryStore(), time.Second)
	_, err := m.Get(context.Background(), "policies/manual/missing.json")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestBackendFailuresReportUnavailable(t *testing.T) {
	ctx := context.Background()
	backendErr := errors.New("connection refused")
	m := New(failingStore{err: backendErr}, time.Second)

	err := m.Put(ctx, "k.json", map[string]any{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, backendErr)

	_, err = m.Get(ctx, "k.json")
	require.ErrorIs(t, err, ErrUnavailable)

	assert.False(t, m.TryPut(ctx, "k.json", map[string]any{}))
	_, ok := m.TryGet(ctx, "k.json")
	assert.False(t, ok)
	require.ErrorIs(t, m.Ping(ctx), ErrUnavailable)
}

func TestSlowBackendIsBoundedByTimeout(t *testing.T) {
	m := New(blockingStore{}, 20*time.Millisecond)

	started := time.Now()
	err := m.Put(context.Background(), "k.json", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestGetRejectsNonJSONBlob(t *testing.T) {
	ctx := context.Background()
	objects := NewMemoryStore()
	require.NoError(t, objects.PutObject(ctx, "broken.json", []byte("not json")))

	_, err := New(objects, time.Second).Get(ctx, "broken.json")
	require.ErrorIs(t, err, ErrUnavailable)
}
