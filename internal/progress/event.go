// Package progress defines the event structures emitted by the workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchClaimed Stage = "BATCH_CLAIMED"
	StageWindowStart  Stage = "WINDOW_START"
	StagePageDone     Stage = "PAGE_DONE"
	StageWindowDone   Stage = "WINDOW_DONE"
	StageBatchDone    Stage = "BATCH_DONE"
	StageBatchError   Stage = "BATCH_ERROR"
	StageRecordState  Stage = "RECORD_STATE"
	StageRecordError  Stage = "RECORD_ERROR"
)

// Event captures a single step of worker progress.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// WorkerID identifies the emitting worker.
	WorkerID string
	// BatchID scopes discovery events.
	BatchID int64
	// TargetID, CategoryID and Day locate the window in flight.
	TargetID   int64
	CategoryID int64
	Day        time.Time
	// Site is the target host for page events.
	Site string
	// Page is the 1-based results page for page events.
	Page int
	// Stubs counts candidates found on a page or in a window.
	Stubs int
	// RecordID scopes enrichment events.
	RecordID int64
	// State is the record's enrichment step.
	State crawler.RecordState
	// Dur captures latency for pages, windows, and batches.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchClaimed, StageBatchDone, StageBatchError:
		if e.BatchID == 0 {
			return fmt.Errorf("%s requires batch id", e.Stage)
		}
	case StageWindowStart, StageWindowDone:
		if e.BatchID == 0 || e.TargetID == 0 || e.CategoryID == 0 || e.Day.IsZero() {
			return fmt.Errorf("%s requires batch, target, category and day", e.Stage)
		}
	case StagePageDone:
		if e.Site == "" || e.Page <= 0 {
			return errors.New("page done requires site and page")
		}
	case StageRecordState, StageRecordError:
		if e.RecordID == 0 {
			return fmt.Errorf("%s requires record id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchProgress converts a window event into the batch's in-flight pointer.
func (e Event) BatchProgress() crawler.BatchProgress {
	return crawler.BatchProgress{
		BatchID:    e.BatchID,
		WorkerID:   e.WorkerID,
		TargetID:   e.TargetID,
		CategoryID: e.CategoryID,
		Day:        e.Day,
	}
}
