// Package crawler defines core types shared across subsystems.
package crawler

import (
	"strings"
	"time"
)

// LifecycleStatus is the operator-controlled eligibility of a batch.
type LifecycleStatus string

// Batch lifecycle values.
const (
	LifecycleActive   LifecycleStatus = "active"
	LifecycleInactive LifecycleStatus = "inactive"
)

// ScriptStatus tracks where a batch is in execution.
type ScriptStatus string

// Batch execution values. A batch only moves forward through these.
const (
	ScriptPending    ScriptStatus = "pending"
	ScriptProcessing ScriptStatus = "processing"
	ScriptCompleted  ScriptStatus = "completed"
)

// Rank orders script statuses so transitions can be checked for regressions.
func (s ScriptStatus) Rank() int {
	switch s {
	case ScriptPending:
		return 0
	case ScriptProcessing:
		return 1
	case ScriptCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known script status.
func (s ScriptStatus) Valid() bool {
	return s.Rank() >= 0
}

// Batch is one unit of discovery work.
type Batch struct {
	ID                   int64           `json:"id"`
	StartTime            time.Time       `json:"start_time"`
	EndTime              time.Time       `json:"end_time"`
	Targets              []int64         `json:"targets"`
	Categories           []int64         `json:"categories"`
	Status               LifecycleStatus `json:"status"`
	ScriptStatus         ScriptStatus    `json:"script_status"`
	ProcessingTargetID   *int64          `json:"processing_target_id"`
	ProcessingCategoryID *int64          `json:"processing_category_id"`
	ProcessingDate       *time.Time      `json:"processing_date"`
	WorkerID             *string         `json:"worker_id"`
	LeaseExpiresAt       *time.Time      `json:"lease_expires_at"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Claimable reports whether workerID may claim b at now.
func (b Batch) Claimable(workerID string, now time.Time) bool {
	if b.Status != LifecycleActive {
		return false
	}
	if b.ScriptStatus != ScriptPending && b.ScriptStatus != ScriptProcessing {
		return false
	}
	if b.WorkerID == nil || *b.WorkerID == "" || *b.WorkerID == workerID {
		return true
	}
	return b.LeaseExpiresAt == nil || !b.LeaseExpiresAt.After(now)
}

// Pair is one (target, category) combination of a batch.
type Pair struct {
	TargetID   int64
	CategoryID int64
}

// Pairs expands targets × categories in declared order, targets outermost.
func (b Batch) Pairs() []Pair {
	pairs := make([]Pair, 0, len(b.Targets)*len(b.Categories))
	for _, t := range b.Targets {
		for _, c := range b.Categories {
			pairs = append(pairs, Pair{TargetID: t, CategoryID: c})
		}
	}
	return pairs
}

// BatchProgress is the in-flight pointer written for observability.
type BatchProgress struct {
	BatchID    int64     `json:"batch_id"`
	WorkerID   string    `json:"worker_id"`
	TargetID   int64     `json:"processing_target_id"`
	CategoryID int64     `json:"processing_category_id"`
	Day        time.Time `json:"processing_date"`
}

// BatchUpdate carries partial batch fields; nil means unchanged.
type BatchUpdate struct {
	StartTime            *time.Time
	EndTime              *time.Time
	Targets              []int64
	Categories           []int64
	Status               *LifecycleStatus
	ScriptStatus         *ScriptStatus
	WorkerID             *string
	ProcessingTargetID   *int64
	ProcessingCategoryID *int64
	ProcessingDate       *time.Time
}

// BatchStats counts batches by status.
type BatchStats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Inactive   int `json:"inactive"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
}

// RecordStatus is the enrichment status of a record.
type RecordStatus string

// Record status values.
const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
)

// RecordState is the per-record step of the enrichment state machine.
type RecordState string

// Enrichment steps in order.
const (
	StatePending    RecordState = "pending"
	StateVisiting   RecordState = "visiting"
	StateExtracting RecordState = "extracting"
	StateCompleted  RecordState = "completed"
)

// Record is a discovered candidate and, later, its enriched result.
type Record struct {
	ID             int64        `json:"id"`
	SourceLink     string       `json:"url"`
	Name           *string      `json:"name"`
	ArrestDatetime *time.Time   `json:"arrest_datetime"`
	AgencyID       *int64       `json:"agency_id"`
	CountyID       *int64       `json:"county_id"`
	TargetID       int64        `json:"state_id"`
	CategoryIDs    []int64      `json:"charges"`
	BatchID        int64        `json:"batch_id"`
	Status         RecordStatus `json:"status"`
	DerivedFlag    bool         `json:"fta"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RecordView is a record joined with its lookup names for listings and export.
type RecordView struct {
	Record
	CountyName string `json:"county_name"`
	AgencyName string `json:"agency_name"`
	TargetName string `json:"state_name"`
}

// Stub is a candidate record found on a search results page.
type Stub struct {
	Link   string `json:"link"`
	County string `json:"county"`
}

// SourceLink joins a target URL and a stub link with exactly one slash.
func SourceLink(targetURL, link string) string {
	return strings.TrimRight(targetURL, "/") + "/" + strings.TrimLeft(link, "/")
}

// Candidate is a stub bound to the work that discovered it.
type Candidate struct {
	SourceLink string `json:"url" validate:"required"`
	County     string `json:"county_name"`
	TargetID   int64  `json:"state_id" validate:"required,gt=0"`
	CategoryID int64  `json:"charge_id" validate:"required,gt=0"`
	BatchID    int64  `json:"batch_id" validate:"required,gt=0"`
}

// InsertResult reports the outcome of inserting a candidate.
type InsertResult struct {
	ID      int64 `json:"id,omitempty"`
	Skipped bool  `json:"skipped"`
}

// Charge is one extracted sub-record of a record.
type Charge struct {
	Title      string            `json:"title" validate:"required"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Enrichment holds the fields extracted from a detail page.
type Enrichment struct {
	Name           string     `json:"name"`
	ArrestDatetime *time.Time `json:"arrest_datetime"`
	Agency         string     `json:"agency_name"`
	Charges        []Charge   `json:"charges" validate:"dive"`
	DerivedFlag    bool       `json:"fta"`
}

// Target and category status values.
const (
	StatusDisabled = 0
	StatusActive   = 1
)

// Target is a search endpoint, typically one jurisdiction.
type Target struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Status   int    `json:"status"`
	Priority int    `json:"priority"`
}

// Category is a search filter dimension such as an offense classification.
type Category struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status int    `json:"status"`
	Code   *int   `json:"chargecode"`
}

// Lookup is a name-keyed reference row (agency or county).
type Lookup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PriorityUpdate assigns a priority to one target.
type PriorityUpdate struct {
	ID       int64 `json:"id" validate:"required,gt=0"`
	Priority int   `json:"priority" validate:"gte=0"`
}

// ReferenceSnapshot is everything a worker needs to build requests and evaluate flags.
type ReferenceSnapshot struct {
	Revision   int64      `json:"revision"`
	Targets    []Target   `json:"targets"`
	Categories []Category `json:"categories"`
	WatchNames []string   `json:"watch_names"`
}

// PageResponse describes the outcome of a navigation.
type PageResponse struct {
	Status   int    `json:"status"`
	FinalURL string `json:"final_url"`
}

// Condition describes a page-ready predicate: an element matching Selector
// whose text contains Contains.
type Condition struct {
	Selector string
	Contains string
}

// Window is a half-open [Start, End) time range.
type Window struct {
	Start time.Time
	End   time.Time
}
