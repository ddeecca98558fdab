package models

import (
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// EntityKind identifies a staging/production table family.
type EntityKind string

const (
	KindCompany   EntityKind = "company"
	KindOfficer   EntityKind = "officer"
	KindFinancial EntityKind = "financial"
)

// Product is a registry snapshot product. Each product decodes into one entity kind.
type Product string

const (
	ProductCompany  Product = "company"
	ProductPSC      Product = "psc"
	ProductAccounts Product = "accounts"
)

// Kind returns the entity kind a product decodes into and false for unknown products.
func (p Product) Kind() (EntityKind, bool) {
	switch p {
	case ProductCompany:
		return KindCompany, true
	case ProductPSC:
		return KindOfficer, true
	case ProductAccounts:
		return KindFinancial, true
	}
	return "", false
}

var ErrMissingKey = errors.New("missing natural key field")

// Record is one canonical row produced from a snapshot file.
type Record interface {
	Kind() EntityKind
	// Key renders the natural key for logging.
	Key() string
	// Validate rejects rows that cannot be keyed.
	Validate() error
	// Fingerprint hashes the ordered domain fields. Bookkeeping and raw payload are excluded.
	Fingerprint() string
}

// RawData is the complete source row, kept alongside the typed columns.
type RawData = database.JSONB[map[string]any]

func NewRawData(m map[string]any) RawData {
	if m == nil {
		m = map[string]any{}
	}
	return database.NewJSONB(m)
}

// StagingMeta is the bookkeeping every staging row carries.
type StagingMeta struct {
	ContentHash    string     `json:"content_hash" db:"content_hash"`
	ChangeDetected bool       `json:"change_detected" db:"change_detected"`
	NeedsReview    bool       `json:"needs_review" db:"needs_review"`
	ReviewNote     *string    `json:"review_note,omitempty" db:"review_note"`
	SourceBatchID  string     `json:"source_batch_id" db:"source_batch_id"`
	FirstSeen      time.Time  `json:"first_seen" db:"first_seen"`
	LastUpdated    time.Time  `json:"last_updated" db:"last_updated"`
	MergedAt       *time.Time `json:"merged_at,omitempty" db:"merged_at"`
}

// ChunkStats counts the outcome of one loaded chunk.
type ChunkStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
}

func (s ChunkStats) Processed() int {
	return s.Inserted + s.Updated + s.Unchanged
}

func (s *ChunkStats) Add(o ChunkStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Rejected += o.Rejected
}

// LoadStats summarizes one file load.
type LoadStats struct {
	Kind   EntityKind `json:"kind"`
	Chunks int        `json:"chunks"`
	ChunkStats
}
