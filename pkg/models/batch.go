package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchStopped   BatchStatus = "stopped"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Terminal reports whether no further transitions are possible without an explicit resume.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Resumable reports whether resume may continue a batch in this status.
func (s BatchStatus) Resumable() bool {
	return s == BatchStopped || s == BatchFailed
}

type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileRunning   FileStatus = "running"
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
	FileSkipped   FileStatus = "skipped"
)

// Done reports whether resume should pass over the file.
func (s FileStatus) Done() bool {
	return s == FileCompleted || s == FileSkipped
}

// FileTarget is one snapshot file of a batch.
type FileTarget struct {
	Product  Product    `json:"product" validate:"required"`
	URL      string     `json:"url" validate:"required,url"`
	Filename string     `json:"filename"`
	Date     string     `json:"date,omitempty"`
	Status   FileStatus `json:"status,omitempty"`
	Error    string     `json:"error,omitempty"`
	Rows     int        `json:"rows,omitempty"`
	Rejected int        `json:"rejected,omitempty"`
}

// Name is the file name used in progress and log output.
func (f FileTarget) Name() string {
	if f.Filename != "" {
		return f.Filename
	}
	if i := strings.LastIndex(f.URL, "/"); i >= 0 && i < len(f.URL)-1 {
		return f.URL[i+1:]
	}
	return f.URL
}

// IngestionBatch is a row of ingestion_log.
type IngestionBatch struct {
	BatchID             string                       `json:"batch_id" db:"batch_id"`
	Cohort              string                       `json:"cohort" db:"cohort"`
	Status              BatchStatus                  `json:"status" db:"status"`
	Files               database.JSONB[[]FileTarget] `json:"files" db:"files"`
	FilesTotal          int                          `json:"files_total" db:"files_total"`
	FilesCompleted      int                          `json:"files_completed" db:"files_completed"`
	CurrentFile         *string                      `json:"current_file" db:"current_file"`
	CurrentFileProgress float64                      `json:"current_file_progress" db:"current_file_progress"`
	CompaniesProcessed  int64                        `json:"companies_processed" db:"companies_processed"`
	OfficersProcessed   int64                        `json:"officers_processed" db:"officers_processed"`
	FinancialsProcessed int64                        `json:"financials_processed" db:"financials_processed"`
	RowsRejected        int64                        `json:"rows_rejected" db:"rows_rejected"`
	Error               *string                      `json:"error" db:"error"`
	StartedAt           time.Time                    `json:"started_at" db:"started_at"`
	UpdatedAt           time.Time                    `json:"updated_at" db:"updated_at"`
	CompletedAt         *time.Time                   `json:"completed_at" db:"completed_at"`
}

// NewIngestionBatch builds a running batch over files in the given order.
func NewIngestionBatch(cohort string, files []FileTarget, now time.Time) *IngestionBatch {
	if strings.TrimSpace(cohort) == "" {
		cohort = "bulk"
	}

	targets := make([]FileTarget, len(files))
	for i, f := range files {
		f.Status = FilePending
		f.Error = ""
		targets[i] = f
	}

	return &IngestionBatch{
		BatchID:    NewBatchID(cohort, now),
		Cohort:     cohort,
		Status:     BatchRunning,
		Files:      database.NewJSONB(targets),
		FilesTotal: len(targets),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

var cohortSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// NewBatchID returns "<cohort>_YYYYmmdd_HHMMSS_<8 hex>".
func NewBatchID(cohort string, now time.Time) string {
	slug := strings.Trim(cohortSanitizer.ReplaceAllString(strings.ToLower(cohort), "_"), "_")
	if slug == "" {
		slug = "bulk"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", slug, now.UTC().Format("20060102_150405"), suffix)
}

// OverallProgress is the whole-batch completion percentage, capped at 100.
func (b *IngestionBatch) OverallProgress() float64 {
	if b.FilesTotal == 0 {
		return 0
	}
	perFile := 100 / float64(b.FilesTotal)
	progress := float64(b.FilesCompleted)*perFile + b.CurrentFileProgress/100*perFile
	if b.Status == BatchCompleted || progress > 100 {
		return 100
	}
	return progress
}

// NextFile returns the index of the first file resume should process, or -1 when all are done.
func (b *IngestionBatch) NextFile() int {
	for i, f := range b.Files.Data {
		if !f.Status.Done() {
			return i
		}
	}
	return -1
}

// FailedFiles lists the names of files whose last attempt failed.
func (b *IngestionBatch) FailedFiles() []string {
	var names []string
	for _, f := range b.Files.Data {
		if f.Status == FileFailed {
			names = append(names, f.Name())
		}
	}
	return names
}

// AddProcessed accumulates per-kind processed and rejected row counts.
func (b *IngestionBatch) AddProcessed(kind EntityKind, stats ChunkStats) {
	switch kind {
	case KindCompany:
		b.CompaniesProcessed += int64(stats.Processed())
	case KindOfficer:
		b.OfficersProcessed += int64(stats.Processed())
	case KindFinancial:
		b.FinancialsProcessed += int64(stats.Processed())
	}
	b.RowsRejected += int64(stats.Rejected)
}

// ResetFile drops the counts a partial earlier load of the file at index contributed, so a
// reload from its first row does not count committed chunks twice.
func (b *IngestionBatch) ResetFile(index int, kind EntityKind) {
	f := &b.Files.Data[index]
	b.AddProcessed(kind, ChunkStats{Inserted: -f.Rows, Rejected: -f.Rejected})
	f.Rows = 0
	f.Rejected = 0
}

// Clone returns a deep copy safe to hand to readers while the worker keeps mutating b.
func (b *IngestionBatch) Clone() *IngestionBatch {
	if b == nil {
		return nil
	}
	c := *b
	c.Files = database.NewJSONB(append([]FileTarget(nil), b.Files.Data...))
	return &c
}

// Progress is the polling view of a batch.
type Progress struct {
	BatchID             string       `json:"batch_id"`
	Status              BatchStatus  `json:"status"`
	FilesTotal          int          `json:"files_total"`
	FilesCompleted      int          `json:"files_completed"`
	CurrentFile         string       `json:"current_file"`
	CurrentFileProgress float64      `json:"current_file_progress"`
	OverallProgress     float64      `json:"overall_progress"`
	CompaniesProcessed  int64        `json:"companies_processed"`
	OfficersProcessed   int64        `json:"officers_processed"`
	FinancialsProcessed int64        `json:"financials_processed"`
	RowsRejected        int64        `json:"rows_rejected"`
	Error               string       `json:"error,omitempty"`
	Files               []FileTarget `json:"files"`
	StartedAt           time.Time    `json:"started_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

func (b *IngestionBatch) Progress() Progress {
	p := Progress{
		BatchID:             b.BatchID,
		Status:              b.Status,
		FilesTotal:          b.FilesTotal,
		FilesCompleted:      b.FilesCompleted,
		CurrentFileProgress: b.CurrentFileProgress,
		OverallProgress:     b.OverallProgress(),
		CompaniesProcessed:  b.CompaniesProcessed,
		OfficersProcessed:   b.OfficersProcessed,
		FinancialsProcessed: b.FinancialsProcessed,
		RowsRejected:        b.RowsRejected,
		Files:               append([]FileTarget(nil), b.Files.Data...),
		StartedAt:           b.StartedAt,
		CompletedAt:         b.CompletedAt,
	}
	if b.CurrentFile != nil {
		p.CurrentFile = *b.CurrentFile
	}
	if b.Error != nil {
		p.Error = *b.Error
	}
	return p
}
