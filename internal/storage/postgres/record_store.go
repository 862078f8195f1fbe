package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const recordColumns = `r.id, r.source_link, r.name, r.arrest_datetime, r.agency_id, r.county_id,
	r.target_id, r.batch_id, r.status, r.derived_flag, r.created_at, r.updated_at,
	COALESCE((SELECT array_agg(rc.category_id ORDER BY rc.category_id) FROM record_categories rc WHERE rc.record_id = r.id), '{}'::bigint[])`

func scanRecord(row rowScanner, extra ...any) (crawler.Record, error) {
	var (
		r      crawler.Record
		status string
	)
	dest := []any{
		&r.ID, &r.SourceLink, &r.Name, &r.ArrestDatetime, &r.AgencyID, &r.CountyID,
		&r.TargetID, &r.BatchID, &status, &r.DerivedFlag, &r.CreatedAt, &r.UpdatedAt,
		&r.CategoryIDs,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return crawler.Record{}, err
	}
	r.Status = crawler.RecordStatus(status)
	return r, nil
}

// lookupTable names the get-or-create tables; values never come from input.
type lookupTable string

const (
	countiesTable lookupTable = "counties"
	agenciesTable lookupTable = "agencies"
)

func getOrCreate(ctx context.Context, q querier, table lookupTable, name string) (int64, error) {
	var id int64
	query := fmt.Sprintf(`
INSERT INTO %s (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, table)
	if err := q.QueryRow(ctx, query, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("get or create %s %q: %w", table, name, err)
	}
	return id, nil
}

// InsertRecord inserts a pending record or, when the link is already known,
// adds the category to the existing record and reports it skipped.
func (s *Store) InsertRecord(ctx context.Context, c crawler.Candidate, now time.Time) (crawler.InsertResult, error) {
	var res crawler.InsertResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var countyID *int64
		if name := strings.TrimSpace(c.County); name != "" {
			id, err := getOrCreate(ctx, tx, countiesTable, name)
			if err != nil {
				return err
			}
			countyID = &id
		}
		var id int64
		err := tx.QueryRow(ctx, `
INSERT INTO records (source_link, county_id, target_id, batch_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', $5, $5)
ON CONFLICT (source_link) DO NOTHING
RETURNING id`, c.SourceLink, countyID, c.TargetID, c.BatchID, now).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Skipped = true
			_, err = tx.Exec(ctx, `
INSERT INTO record_categories (record_id, category_id)
SELECT id, $2 FROM records WHERE source_link = $1
ON CONFLICT DO NOTHING`, c.SourceLink, c.CategoryID)
			if err != nil {
				return fmt.Errorf("append record category: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("insert record: %w", err)
		}
		res.ID = id
		if _, err := tx.Exec(ctx, `INSERT INTO record_categories (record_id, category_id) VALUES ($1, $2)`, id, c.CategoryID); err != nil {
			return fmt.Errorf("insert record category: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.InsertResult{}, err
	}
	return res, nil
}

// NextPending returns up to limit pending records with id > afterID, in id
// order.
func (s *Store) NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM records r
WHERE r.status = 'pending' AND r.id > $1 ORDER BY r.id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return out, nil
}

// CompleteRecord applies enrichment and marks the record completed.
func (s *Store) CompleteRecord(ctx context.Context, id int64, e crawler.Enrichment, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM records WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			return fmt.Errorf("lock record %d: %w", id, notFound(err))
		}
		// Charges are write-once: a second visit must not append them again.
		if crawler.RecordStatus(status) == crawler.RecordCompleted {
			return nil
		}
		var agencyID *int64
		if name := strings.TrimSpace(e.Agency); name != "" {
			aid, err := getOrCreate(ctx, tx, agenciesTable, name)
			if err != nil {
				return err
			}
			agencyID = &aid
		}
		var arrested *time.Time
		if e.ArrestDatetime != nil {
			at := e.ArrestDatetime.UTC()
			arrested = &at
		}
		tag, err := tx.Exec(ctx, `
UPDATE records SET
	name = COALESCE(NULLIF($2, ''), name),
	arrest_datetime = COALESCE($3, arrest_datetime),
	agency_id = COALESCE($4, agency_id),
	derived_flag = $5,
	status = 'completed',
	updated_at = $6
WHERE id = $1 AND status = 'pending'`, id, e.Name, arrested, agencyID, e.DerivedFlag, now)
		if err != nil {
			return fmt.Errorf("complete record %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, c := range e.Charges {
			attrs, err := json.Marshal(normalizeAttributes(c.Attributes))
			if err != nil {
				return fmt.Errorf("marshal charge attributes: %w", err)
			}
			_, err = tx.Exec(ctx, `
INSERT INTO record_charges (record_id, title, attributes, created_at) VALUES ($1, $2, $3, $4)`,
				id, c.Title, attrs, now)
			if err != nil {
				return fmt.Errorf("insert charge: %w", err)
			}
		}
		return nil
	})
}

// GetRecord fetches a record by id.
func (s *Store) GetRecord(ctx context.Context, id int64) (crawler.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records r WHERE r.id = $1`, id))
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get record %d: %w", id, notFound(err))
	}
	return r, nil
}

// ListCharges returns the charges recorded for a record in insertion order.
func (s *Store) ListCharges(ctx context.Context, recordID int64) ([]crawler.Charge, error) {
	rows, err := s.pool.Query(ctx, `SELECT title, attributes FROM record_charges WHERE record_id = $1 ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()
	var out []crawler.Charge
	for rows.Next() {
		var (
			c     crawler.Charge
			attrs []byte
		)
		if err := rows.Scan(&c.Title, &attrs); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
				return nil, fmt.Errorf("decode charge attributes: %w", err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	return out, nil
}

func recordWhere(f store.RecordFilter) *where {
	w := &where{}
	if f.StartDate != nil {
		w.add("r.arrest_datetime >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		w.add("r.arrest_datetime < $%d", *f.EndDate)
	}
	if f.AgencyID != 0 {
		w.add("r.agency_id = $%d", f.AgencyID)
	}
	if f.CountyID != 0 {
		w.add("r.county_id = $%d", f.CountyID)
	}
	if f.CategoryID != 0 {
		w.add("EXISTS (SELECT 1 FROM record_categories rc2 WHERE rc2.record_id = r.id AND rc2.category_id = $%d)", f.CategoryID)
	}
	if f.TargetID != 0 {
		w.add("r.target_id = $%d", f.TargetID)
	}
	if f.Status != "" {
		w.add("r.status = $%d", f.Status)
	}
	return w
}

// SearchRecords filters records, newest arrest first, and joins lookup names.
func (s *Store) SearchRecords(ctx context.Context, f store.RecordFilter) ([]crawler.RecordView, int, error) {
	w := recordWhere(f)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM records r`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	suffix, args := w.page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, `
SELECT `+recordColumns+`, COALESCE(c.name, ''), COALESCE(a.name, ''), COALESCE(t.name, '')
FROM records r
LEFT JOIN counties c ON c.id = r.county_id
LEFT JOIN agencies a ON a.id = r.agency_id
LEFT JOIN targets t ON t.id = r.target_id`+w.String()+`
ORDER BY r.arrest_datetime DESC NULLS LAST, r.id DESC`+suffix, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.RecordView, 0)
	for rows.Next() {
		var v crawler.RecordView
		rec, err := scanRecord(rows, &v.CountyName, &v.AgencyName, &v.TargetName)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		v.Record = rec
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}
	return out, total, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// GetOrCreateCounty returns the id for name, creating the row when missing.
func (s *Store) GetOrCreateCounty(ctx context.Context, name string) (int64, error) {
	return getOrCreate(ctx, s.pool, countiesTable, strings.TrimSpace(name))
}

// GetOrCreateAgency returns the id for name, creating the row when missing.
func (s *Store) GetOrCreateAgency(ctx context.Context, name string) (int64, error) {
	return getOrCreate(ctx, s.pool, agenciesTable, strings.TrimSpace(name))
}

// ListCounties returns counties ordered by name.
func (s *Store) ListCounties(ctx context.Context) ([]crawler.Lookup, error) {
	return s.listLookups(ctx, countiesTable)
}

// ListAgencies returns agencies ordered by name.
func (s *Store) ListAgencies(ctx context.Context) ([]crawler.Lookup, error) {
	return s.listLookups(ctx, agenciesTable)
}

func (s *Store) listLookups(ctx context.Context, table lookupTable) ([]crawler.Lookup, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, name FROM %s ORDER BY name`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	out := make([]crawler.Lookup, 0)
	for rows.Next() {
		var l crawler.Lookup
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return out, nil
}

func normalizeAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return map[string]string{}
	}
	return attrs
}
