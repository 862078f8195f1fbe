package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// InsertRecord inserts a pending record or, when the link is already known,
// adds the category to the existing record and reports it skipped.
func (s *Store) InsertRecord(_ context.Context, candidate crawler.Candidate, now time.Time) (crawler.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.recordByLink[candidate.SourceLink]; ok {
		row := s.records[id]
		if !slices.Contains(row.record.CategoryIDs, candidate.CategoryID) {
			row.record.CategoryIDs = append(row.record.CategoryIDs, candidate.CategoryID)
		}
		return crawler.InsertResult{Skipped: true}, nil
	}

	var countyID *int64
	if name := strings.TrimSpace(candidate.County); name != "" {
		countyID = ptr(s.lookupLocked(s.counties, name))
	}
	s.nextRecordID++
	rec := crawler.Record{
		ID:          s.nextRecordID,
		SourceLink:  candidate.SourceLink,
		CountyID:    countyID,
		TargetID:    candidate.TargetID,
		CategoryIDs: []int64{candidate.CategoryID},
		BatchID:     candidate.BatchID,
		Status:      crawler.RecordPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[rec.ID] = &recordRow{record: rec}
	s.recordByLink[rec.SourceLink] = rec.ID
	return crawler.InsertResult{ID: rec.ID}, nil
}

// NextPending returns up to limit pending records with id > afterID, in id
// order.
func (s *Store) NextPending(_ context.Context, afterID int64, limit int) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0)
	for id, row := range s.records {
		if row.record.Status == crawler.RecordPending && id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = paginate(ids, limit, 0)
	out := make([]crawler.Record, len(ids))
	for i, id := range ids {
		out[i] = cloneRecord(s.records[id].record)
	}
	return out, nil
}

// CompleteRecord applies enrichment and marks the record completed.
func (s *Store) CompleteRecord(_ context.Context, id int64, enrichment crawler.Enrichment, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	// Charges are write-once: a second visit must not append them again.
	if row.record.Status == crawler.RecordCompleted {
		return nil
	}
	if name := strings.TrimSpace(enrichment.Agency); name != "" {
		row.record.AgencyID = ptr(s.lookupLocked(s.agencies, name))
	}
	if enrichment.Name != "" {
		row.record.Name = ptr(enrichment.Name)
	}
	if enrichment.ArrestDatetime != nil {
		row.record.ArrestDatetime = ptr(enrichment.ArrestDatetime.UTC())
	}
	for _, c := range enrichment.Charges {
		row.charges = append(row.charges, cloneCharge(c))
	}
	row.record.DerivedFlag = enrichment.DerivedFlag
	row.record.Status = crawler.RecordCompleted
	row.record.UpdatedAt = now
	return nil
}

// GetRecord fetches a record by id.
func (s *Store) GetRecord(_ context.Context, id int64) (crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.records[id]
	if !ok {
		return crawler.Record{}, store.ErrNotFound
	}
	return cloneRecord(row.record), nil
}

// ListCharges returns the charges recorded for a record.
func (s *Store) ListCharges(_ context.Context, recordID int64) ([]crawler.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.records[recordID]
	if !ok {
		return nil, nil
	}
	out := make([]crawler.Charge, len(row.charges))
	for i, c := range row.charges {
		out[i] = cloneCharge(c)
	}
	return out, nil
}

// SearchRecords filters records, newest arrest first, and joins lookup names.
func (s *Store) SearchRecords(_ context.Context, filter store.RecordFilter) ([]crawler.RecordView, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]crawler.Record, 0)
	for _, row := range s.records {
		if recordMatches(row.record, filter) {
			matched = append(matched, row.record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].ArrestDatetime, matched[j].ArrestDatetime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	counties := invert(s.counties)
	agencies := invert(s.agencies)
	out := make([]crawler.RecordView, len(page))
	for i, rec := range page {
		view := crawler.RecordView{Record: cloneRecord(rec)}
		if rec.CountyID != nil {
			view.CountyName = counties[*rec.CountyID]
		}
		if rec.AgencyID != nil {
			view.AgencyName = agencies[*rec.AgencyID]
		}
		view.TargetName = s.targets[rec.TargetID].Name
		out[i] = view
	}
	return out, total, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func recordMatches(r crawler.Record, f store.RecordFilter) bool {
	if f.StartDate != nil && (r.ArrestDatetime == nil || r.ArrestDatetime.Before(*f.StartDate)) {
		return false
	}
	if f.EndDate != nil && (r.ArrestDatetime == nil || !r.ArrestDatetime.Before(*f.EndDate)) {
		return false
	}
	if f.AgencyID != 0 && (r.AgencyID == nil || *r.AgencyID != f.AgencyID) {
		return false
	}
	if f.CountyID != 0 && (r.CountyID == nil || *r.CountyID != f.CountyID) {
		return false
	}
	if f.CategoryID != 0 && !slices.Contains(r.CategoryIDs, f.CategoryID) {
		return false
	}
	if f.TargetID != 0 && r.TargetID != f.TargetID {
		return false
	}
	if f.Status != "" && string(r.Status) != f.Status {
		return false
	}
	return true
}

// GetOrCreateCounty returns the id for name, creating the row when missing.
func (s *Store) GetOrCreateCounty(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.counties, strings.TrimSpace(name)), nil
}

// GetOrCreateAgency returns the id for name, creating the row when missing.
func (s *Store) GetOrCreateAgency(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.agencies, strings.TrimSpace(name)), nil
}

// ListCounties returns counties ordered by name.
func (s *Store) ListCounties(_ context.Context) ([]crawler.Lookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookups(s.counties), nil
}

// ListAgencies returns agencies ordered by name.
func (s *Store) ListAgencies(_ context.Context) ([]crawler.Lookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookups(s.agencies), nil
}

func (s *Store) lookupLocked(table map[string]int64, name string) int64 {
	if id, ok := table[name]; ok {
		return id
	}
	s.nextLookupID++
	table[name] = s.nextLookupID
	return s.nextLookupID
}

func lookups(table map[string]int64) []crawler.Lookup {
	out := make([]crawler.Lookup, 0, len(table))
	for name, id := range table {
		out = append(out, crawler.Lookup{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func invert(table map[string]int64) map[int64]string {
	out := make(map[int64]string, len(table))
	for name, id := range table {
		out[id] = name
	}
	return out
}

func cloneRecord(r crawler.Record) crawler.Record {
	out := r
	out.Name = clonePtr(r.Name)
	out.ArrestDatetime = clonePtr(r.ArrestDatetime)
	out.AgencyID = clonePtr(r.AgencyID)
	out.CountyID = clonePtr(r.CountyID)
	out.CategoryIDs = slices.Clone(r.CategoryIDs)
	return out
}

func cloneCharge(c crawler.Charge) crawler.Charge {
	out := crawler.Charge{Title: c.Title}
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
