package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

var (
	// ErrNotFound signals that the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a uniqueness violation on a user-supplied key.
	ErrConflict = errors.New("record already exists")
	// ErrLeaseLost signals that the batch is held by another worker.
	ErrLeaseLost = errors.New("batch lease lost")
	// ErrInvalidTransition signals a script status regression or a delete of
	// an in-flight batch.
	ErrInvalidTransition = errors.New("invalid batch transition")
)

// Setting names persisted in the settings table.
const (
	SettingSchedule      = "schedule"
	SettingScriptEnabled = "script_enabled"
)

// DefaultSchedule is the cron expression used when none is stored.
const DefaultSchedule = "30 10 * * *"

// BatchFilter narrows batch listings.
type BatchFilter struct {
	Search       string
	Status       string
	ScriptStatus string
	WorkerID     string
	Limit        int
	Offset       int
}

// RecordFilter narrows record listings and exports. Zero values are ignored.
type RecordFilter struct {
	StartDate  *time.Time
	EndDate    *time.Time
	AgencyID   int64
	CountyID   int64
	CategoryID int64
	TargetID   int64
	Status     string
	Limit      int
	Offset     int
}

// BatchRepository persists batches and their lease state.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch crawler.Batch) (crawler.Batch, error)
	GetBatch(ctx context.Context, id int64) (crawler.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]crawler.Batch, int, error)
	UpdateBatch(ctx context.Context, id int64, update crawler.BatchUpdate, now time.Time) (crawler.Batch, error)
	DeleteBatch(ctx context.Context, id int64) error
	BatchStats(ctx context.Context) (crawler.BatchStats, error)

	// ClaimBatch atomically picks the caller's own batch, else the oldest
	// claimable one, marks it processing and leases it until leaseUntil.
	// It returns nil when nothing qualifies.
	ClaimBatch(ctx context.Context, workerID string, now, leaseUntil time.Time) (*crawler.Batch, error)
	// RenewLease extends the caller's lease or returns ErrLeaseLost.
	RenewLease(ctx context.Context, batchID int64, workerID string, leaseUntil time.Time) error
	// SetProgress writes the in-flight pointers of a held batch.
	SetProgress(ctx context.Context, progress crawler.BatchProgress, now time.Time) error
	// CompleteBatch finishes a batch. Unknown or already completed batches
	// are a no-op; a batch held by someone else yields ErrLeaseLost. An
	// empty workerID skips the ownership check.
	CompleteBatch(ctx context.Context, batchID int64, workerID string, now time.Time) error
}

// RecordRepository persists discovered records and their enrichment.
type RecordRepository interface {
	// InsertRecord inserts a pending record keyed by source link, creating
	// the county on first sight. A duplicate link is reported as skipped and
	// the category is added to the existing record.
	InsertRecord(ctx context.Context, candidate crawler.Candidate, now time.Time) (crawler.InsertResult, error)
	// NextPending returns up to limit pending records with id > afterID,
	// oldest id first.
	NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error)
	// CompleteRecord writes enrichment, appends charges, and marks the
	// record completed in one transaction.
	CompleteRecord(ctx context.Context, id int64, enrichment crawler.Enrichment, now time.Time) error
	GetRecord(ctx context.Context, id int64) (crawler.Record, error)
	ListCharges(ctx context.Context, recordID int64) ([]crawler.Charge, error)
	SearchRecords(ctx context.Context, filter RecordFilter) ([]crawler.RecordView, int, error)
	CountRecords(ctx context.Context) (int, error)
}

// LookupRepository resolves lazily created agency and county rows.
type LookupRepository interface {
	GetOrCreateCounty(ctx context.Context, name string) (int64, error)
	GetOrCreateAgency(ctx context.Context, name string) (int64, error)
	ListCounties(ctx context.Context) ([]crawler.Lookup, error)
	ListAgencies(ctx context.Context) ([]crawler.Lookup, error)
}

// ReferenceRepository manages targets and categories. Every mutation bumps
// the configuration revision.
type ReferenceRepository interface {
	ListTargets(ctx context.Context) ([]crawler.Target, error)
	CreateTarget(ctx context.Context, target crawler.Target) (crawler.Target, error)
	// UpdateTargetPriorities applies all updates or none.
	UpdateTargetPriorities(ctx context.Context, updates []crawler.PriorityUpdate) error
	SetTargetStatus(ctx context.Context, id int64, status int) error

	ListCategories(ctx context.Context, status *int) ([]crawler.Category, error)
	GetCategory(ctx context.Context, id int64) (crawler.Category, error)
	CreateCategory(ctx context.Context, category crawler.Category) (crawler.Category, error)
	UpdateCategory(ctx context.Context, category crawler.Category) (crawler.Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	Revision(ctx context.Context) (int64, error)
}

// SettingsRepository stores name/value settings and the watch list.
type SettingsRepository interface {
	GetSetting(ctx context.Context, name string) (string, error)
	PutSetting(ctx context.Context, name, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
	WatchNames(ctx context.Context) ([]string, error)
	// ReplaceWatchNames swaps the whole list and bumps the revision.
	ReplaceWatchNames(ctx context.Context, names []string) error
}

// Repository bundles every repository the coordinator needs.
type Repository interface {
	BatchRepository
	RecordRepository
	LookupRepository
	ReferenceRepository
	SettingsRepository
	Close()
}
