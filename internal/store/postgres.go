package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create validates and inserts a record. The unique index on the kind's
// business key column is the only arbiter between concurrent creators.
func (s *PostgresStore) Create(ctx context.Context, rec Record) (Record, error) {
	rec, err := normalize(rec)
	if err != nil {
		return Record{}, err
	}
	meta := kinds[rec.Kind]
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return Record{}, invalid("fields", "must be JSON encodable")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, source, owner_id, fields)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id::text, created_at, updated_at
	`, meta.table, meta.keyColumn)
	err = s.db.QueryRowContext(ctx, query, rec.BusinessKey, string(rec.Source), rec.OwnerID, string(payload)).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, translateError(fmt.Sprintf("insert %s", rec.Kind), err)
	}
	rec.MirrorKey = nil
	return rec, nil
}

// SetMirrorKey points a record at its latest mirrored blob. Repeating the
// call with the same key leaves the row unchanged in effect.
func (s *PostgresStore) SetMirrorKey(ctx context.Context, kind Kind, id, mirrorKey string) error {
	meta, ok := kinds[kind]
	if !ok {
		return invalid("kind", "is unknown")
	}
	if strings.TrimSpace(mirrorKey) == "" {
		return invalid("mirrorKey", "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET mirror_key = $2 WHERE id = $1`, meta.table), id, mirrorKey)
	if err != nil {
		return translateError("set mirror key", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set mirror key: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	meta, ok := kinds[kind]
	if !ok {
		return Record{}, invalid("kind", "is unknown")
	}
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectColumns(meta)+` WHERE id = $1`, id)
	return scanRecord(kind, row)
}

func (s *PostgresStore) GetByBusinessKey(ctx context.Context, kind Kind, key string) (Record, error) {
	meta, ok := kinds[kind]
	if !ok {
		return Record{}, invalid("kind", "is unknown")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectColumns(meta)+fmt.Sprintf(` WHERE %s = $1`, meta.keyColumn), key)
	return scanRecord(kind, row)
}

// List returns records newest first.
func (s *PostgresStore) List(ctx context.Context, kind Kind, limit, offset int) ([]Record, error) {
	meta, ok := kinds[kind]
	if !ok {
		return nil, invalid("kind", "is unknown")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, selectColumns(meta)+`
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return collectRecords(kind, rows)
}

// ListUnmirrored returns the oldest records that have never been mirrored.
func (s *PostgresStore) ListUnmirrored(ctx context.Context, kind Kind, limit int) ([]Record, error) {
	meta, ok := kinds[kind]
	if !ok {
		return nil, invalid("kind", "is unknown")
	}
	limit, _ = clampPage(limit, 0)
	rows, err := s.db.QueryContext(ctx, selectColumns(meta)+`
		WHERE mirror_key IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmirrored %s: %w", kind, err)
	}
	return collectRecords(kind, rows)
}

// UpdateFields merges a partial payload into the record. The business key
// cannot be changed; sending the current value is accepted and ignored.
func (s *PostgresStore) UpdateFields(ctx context.Context, kind Kind, id string, fields map[string]any) (Record, error) {
	meta, ok := kinds[kind]
	if !ok {
		return Record{}, invalid("kind", "is unknown")
	}
	if len(fields) == 0 {
		return Record{}, invalid("fields", "must not be empty")
	}
	if err := checkPatch(meta, fields); err != nil {
		return Record{}, err
	}
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		patch[k] = v
	}
	if raw, present := patch[meta.keyField]; present {
		current, err := s.Get(ctx, kind, id)
		if err != nil {
			return Record{}, err
		}
		if fieldString(raw) != current.BusinessKey {
			return Record{}, invalid(meta.keyField, "cannot be changed")
		}
		delete(patch, meta.keyField)
		if len(patch) == 0 {
			return current, nil
		}
	}
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return Record{}, invalid("fields", "must be JSON encodable")
	}

	query := fmt.Sprintf(`
		UPDATE %s SET fields = fields || $2::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING id::text, %s, source, mirror_key, owner_id, fields::text, created_at, updated_at
	`, meta.table, meta.keyColumn)
	return scanRecord(kind, s.db.QueryRowContext(ctx, query, id, string(payload)))
}

func (s *PostgresStore) UpsertSetting(ctx context.Context, key string, value json.RawMessage, updatedBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return invalid("key", "is required")
	}
	if len(value) == 0 || !json.Valid(value) {
		return invalid(key, "must be valid JSON")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_by)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = NOW()
	`, key, string(value), updatedBy)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value::text FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		values[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return values, nil
}

func selectColumns(meta kindSpec) string {
	return fmt.Sprintf(`
		SELECT id::text, %s, source, mirror_key, owner_id, fields::text, created_at, updated_at
		FROM %s`, meta.keyColumn, meta.table)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, row rowScanner) (Record, error) {
	var (
		rec       Record
		source    string
		mirrorKey sql.NullString
		fields    string
	)
	err := row.Scan(&rec.ID, &rec.BusinessKey, &source, &mirrorKey, &rec.OwnerID, &fields, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan %s: %w", kind, err)
	}
	rec.Kind = kind
	rec.Source = Source(source)
	if mirrorKey.Valid {
		key := mirrorKey.String
		rec.MirrorKey = &key
	}
	rec.Fields = map[string]any{}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("decode %s fields: %w", kind, err)
	}
	return rec, nil
}

func collectRecords(kind Kind, rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	items := make([]Record, 0)
	for rows.Next() {
		item, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return items, nil
}

// normalize fills the business key from the payload (or the payload from the
// business key) and checks required fields.
func normalize(rec Record) (Record, error) {
	meta, ok := kinds[rec.Kind]
	if !ok {
		return Record{}, invalid("kind", "is unknown")
	}
	if !rec.Source.Valid() {
		return Record{}, invalid("source", "is unknown")
	}
	if strings.TrimSpace(rec.OwnerID) == "" {
		return Record{}, invalid("ownerId", "is required")
	}

	fields := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		fields[k] = v
	}
	fromFields := fieldString(fields[meta.keyField])
	key := strings.TrimSpace(rec.BusinessKey)
	switch {
	case key == "" && fromFields == "":
		return Record{}, invalid(meta.keyField, "is required")
	case key == "":
		key = fromFields
	case fromFields == "":
		fields[meta.keyField] = key
	case key != fromFields:
		return Record{}, invalid(meta.keyField, "does not match business key")
	}

	for _, name := range meta.required {
		if isBlank(fields[name]) {
			return Record{}, invalid(name, "is required")
		}
	}

	rec.BusinessKey = key
	rec.Fields = fields
	return rec, nil
}

// checkPatch rejects a patch that would blank a required field. The stored
// record already satisfies normalize, so only the keys being replaced matter.
func checkPatch(meta kindSpec, patch map[string]any) error {
	for _, name := range meta.required {
		if value, present := patch[name]; present && isBlank(value) {
			return invalid(name, "is required")
		}
	}
	return nil
}

func fieldString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func isBlank(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func translateError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}
