package store

import (
	"encoding/json"
	"time"
)

// Kind names a record entity type. Each kind lives in its own table with a
// unique index on its business key column.
type Kind string

const (
	KindPolicy Kind = "policy"
	KindUpload Kind = "upload"
)

// Source tags the ingestion path that produced a record.
type Source string

const (
	SourceManual Source = "manual"
	SourceGrid   Source = "grid"
	SourcePDF    Source = "pdf"
)

type kindSpec struct {
	table      string
	keyColumn  string
	keyField   string
	collection string
	required   []string
}

var kinds = map[Kind]kindSpec{
	KindPolicy: {
		table:      "policies",
		keyColumn:  "policy_number",
		keyField:   "policyNumber",
		collection: "policies",
		required:   []string{"policyNumber", "insurer", "customerName"},
	},
	KindUpload: {
		table:      "uploads",
		keyColumn:  "checksum",
		keyField:   "checksum",
		collection: "uploads",
		required:   []string{"checksum", "fileName"},
	},
}

// ParseKind accepts both the singular kind and its collection name.
func ParseKind(raw string) (Kind, bool) {
	for kind, meta := range kinds {
		if raw == string(kind) || raw == meta.collection {
			return kind, true
		}
	}
	return "", false
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Collection is the plural name used for mirror paths and routes.
func (k Kind) Collection() string {
	return kinds[k].collection
}

// KeyField is the payload field holding the business key.
func (k Kind) KeyField() string {
	return kinds[k].keyField
}

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceGrid, SourcePDF:
		return true
	default:
		return false
	}
}

type Record struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	BusinessKey string         `json:"businessKey"`
	Source      Source         `json:"source"`
	MirrorKey   *string        `json:"mirrorKey"`
	OwnerID     string         `json:"ownerId"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type Setting struct {
	Key       string
	Value     json.RawMessage
	UpdatedBy string
	UpdatedAt time.Time
}
