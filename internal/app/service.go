package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/intake"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/session"
	"brokerdesk/api/internal/store"
)

// Actor is the authenticated staff member behind a request and the device it
// came from.
type Actor struct {
	UserID   string
	DeviceID string
	Role     rbac.Role
}

type RecordInput struct {
	BusinessKey string         `json:"businessKey"`
	Source      store.Source   `json:"source"`
	Fields      map[string]any `json:"fields"`
}

// RecordView is a record as read back, with its mirrored blob attached when
// the mirror answered.
type RecordView struct {
	store.Record
	Mirror json.RawMessage `json:"mirror,omitempty"`
}

type recordStore interface {
	Create(context.Context, store.Record) (store.Record, error)
	SetMirrorKey(context.Context, store.Kind, string, string) error
	Get(context.Context, store.Kind, string) (store.Record, error)
	GetByBusinessKey(context.Context, store.Kind, string) (store.Record, error)
	List(context.Context, store.Kind, int, int) ([]store.Record, error)
	ListUnmirrored(context.Context, store.Kind, int) ([]store.Record, error)
	UpdateFields(context.Context, store.Kind, string, map[string]any) (store.Record, error)
	UpsertSetting(context.Context, string, json.RawMessage, string) error
	ListSettings(context.Context) (map[string]json.RawMessage, error)
	Ping(context.Context) error
}

type blobMirror interface {
	TryPut(context.Context, string, any) bool
	TryGet(context.Context, string) (json.RawMessage, bool)
	Ping(context.Context) error
}

type notifier interface {
	Notify(ctx context.Context, userID, originDeviceID string, event session.Event) int
}

type Service struct {
	store            recordStore
	mirror           blobMirror
	notifier         notifier
	extractor        intake.Extractor
	pdfText          func([]byte) (string, error)
	storeTimeout     time.Duration
	batchConcurrency int
	logger           *slog.Logger
}

func New(cfg config.Config, records recordStore, blobs blobMirror, events notifier) *Service {
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 30 * time.Second
	}
	concurrency := cfg.BatchConcurrency
	if concurrency < 1 {
		concurrency = 8
	}
	return &Service{
		store:            records,
		mirror:           blobs,
		notifier:         events,
		extractor:        intake.RegexExtractor{},
		pdfText:          intake.TextFromPDF,
		storeTimeout:     storeTimeout,
		batchConcurrency: concurrency,
		logger:           slog.Default(),
	}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithExtractor(extractor intake.Extractor) *Service {
	if extractor != nil {
		s.extractor = extractor
	}
	return s
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingMirror(ctx context.Context) error {
	return s.mirror.Ping(ctx)
}

// CreateRecord commits a record, mirrors it, then notifies the actor's other
// devices with the record as returned. Only the store outcome decides success.
func (s *Service) CreateRecord(ctx context.Context, actor Actor, kind store.Kind, input RecordInput) (store.Record, error) {
	if err := requireKind(kind); err != nil {
		return store.Record{}, err
	}
	source := input.Source
	if source == "" {
		source = store.SourceManual
	}

	storeCtx, cancel := s.storeContext(ctx)
	rec, err := s.store.Create(storeCtx, store.Record{
		Kind:        kind,
		BusinessKey: input.BusinessKey,
		Source:      source,
		OwnerID:     actor.UserID,
		Fields:      input.Fields,
	})
	cancel()
	if err != nil {
		return store.Record{}, err
	}

	rec = s.mirrorRecord(ctx, rec)
	s.notify(ctx, actor, string(kind)+"_created", rec)
	return rec, nil
}

// UpdateRecord merges fields into an existing record and runs the same
// mirror and fan-out steps as a create.
func (s *Service) UpdateRecord(ctx context.Context, actor Actor, kind store.Kind, id string, fields map[string]any) (store.Record, error) {
	storeCtx, cancel := s.storeContext(ctx)
	rec, err := s.store.UpdateFields(storeCtx, kind, id, fields)
	cancel()
	if err != nil {
		return store.Record{}, err
	}

	rec = s.mirrorRecord(ctx, rec)
	s.notify(ctx, actor, string(kind)+"_updated", rec)
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, kind store.Kind, id string) (RecordView, error) {
	storeCtx, cancel := s.storeContext(ctx)
	rec, err := s.store.Get(storeCtx, kind, id)
	cancel()
	if err != nil {
		return RecordView{}, err
	}
	return s.enrich(ctx, rec), nil
}

func (s *Service) GetRecordByBusinessKey(ctx context.Context, kind store.Kind, key string) (RecordView, error) {
	storeCtx, cancel := s.storeContext(ctx)
	rec, err := s.store.GetByBusinessKey(storeCtx, kind, key)
	cancel()
	if err != nil {
		return RecordView{}, err
	}
	return s.enrich(ctx, rec), nil
}

func (s *Service) ListRecords(ctx context.Context, kind store.Kind, limit, offset int) ([]store.Record, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.List(storeCtx, kind, limit, offset)
}

// mirrorRecord writes the record blob and, only after the write succeeded,
// points the row at it. A failure at either step leaves the previous pointer.
func (s *Service) mirrorRecord(ctx context.Context, rec store.Record) store.Record {
	key := mirror.Key(rec.Kind.Collection(), string(rec.Source), rec.ID)
	if !s.mirror.TryPut(ctx, key, rec) {
		return rec
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.SetMirrorKey(storeCtx, rec.Kind, rec.ID, key); err != nil {
		s.logger.Warn("mirror key backfill failed", "kind", rec.Kind, "id", rec.ID, "mirror_key", key, "error", err)
		return rec
	}
	rec.MirrorKey = &key
	return rec
}

func (s *Service) enrich(ctx context.Context, rec store.Record) RecordView {
	view := RecordView{Record: rec}
	if rec.MirrorKey == nil {
		return view
	}
	if raw, ok := s.mirror.TryGet(ctx, *rec.MirrorKey); ok {
		view.Mirror = raw
	}
	return view
}

// notify returns once every target device was written to or timed out, so
// two writes from one request sequence reach each device in commit order.
// A cancelled request still completes its fan-out.
func (s *Service) notify(ctx context.Context, actor Actor, eventType string, payload any) {
	if s.notifier == nil || actor.UserID == "" {
		return
	}
	event := session.NewEvent(eventType, payload)
	delivered := s.notifier.Notify(context.WithoutCancel(ctx), actor.UserID, actor.DeviceID, event)
	s.logger.Debug("event fanned out", "type", eventType, "user_id", actor.UserID, "origin_device_id", actor.DeviceID, "delivered", delivered)
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func requireKind(kind store.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", store.ErrValidation, kind)
	}
	return nil
}
