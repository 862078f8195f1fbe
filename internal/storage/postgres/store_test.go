package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

var now = time.Unix(1704364200, 0).UTC()

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return mock, s
}

func ptr[T any](v T) *T { return &v }

func batchRow(id int64, worker *string, lease *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "start_time", "end_time", "status", "script_status",
		"processing_target_id", "processing_category_id", "processing_date",
		"worker_id", "lease_expires_at", "created_at", "updated_at", "targets", "categories",
	}).AddRow(
		id, now.Add(-72*time.Hour), now.Add(-24*time.Hour), "active", "processing",
		nil, nil, nil,
		worker, lease, now, now, []int64{1, 2}, []int64{9},
	)
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestClaimBatchReturnsNilWhenNothingQualifies(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT b.id FROM batches b").
		WithArgs("w1", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	got, err := s.ClaimBatch(context.Background(), "w1", now, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchLeasesRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	lease := now.Add(2 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT b.id FROM batches b").
		WithArgs("w1", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE batches SET script_status = 'processing'").
		WithArgs(int64(3), "w1", lease, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM batches b WHERE b.id =").
		WithArgs(int64(3)).
		WillReturnRows(batchRow(3, ptr("w1"), &lease))
	mock.ExpectCommit()

	got, err := s.ClaimBatch(context.Background(), "w1", now, lease)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(3), got.ID)
	require.Equal(t, crawler.ScriptProcessing, got.ScriptStatus)
	require.Equal(t, crawler.LifecycleActive, got.Status)
	require.Equal(t, "w1", *got.WorkerID)
	require.Equal(t, []int64{1, 2}, got.Targets)
	require.Equal(t, []int64{9}, got.Categories)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewLeaseReportsLostLease(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	lease := now.Add(time.Minute)
	mock.ExpectExec("UPDATE batches SET lease_expires_at").
		WithArgs(int64(3), "w2", lease).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.RenewLease(context.Background(), 3, "w2", lease)
	require.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		rows   *pgxmock.Rows
		wantIs error
	}{
		{"already completed", pgxmock.NewRows([]string{"script_status"}).AddRow("completed"), nil},
		{"unknown batch", pgxmock.NewRows([]string{"script_status"}), nil},
		{"held by another worker", pgxmock.NewRows([]string{"script_status"}).AddRow("processing"), store.ErrLeaseLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, s := newMockStore(t)
			mock.ExpectExec("UPDATE batches SET script_status = 'completed'").
				WithArgs(int64(5), "w1", now).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			mock.ExpectQuery("SELECT script_status FROM batches").
				WithArgs(int64(5)).
				WillReturnRows(tc.rows)

			err := s.CompleteBatch(context.Background(), 5, "w1", now)
			if tc.wantIs == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantIs)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateBatchDeactivatingHeldBatchReleasesClaim(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT script_status FROM batches WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"script_status"}).AddRow("processing"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET status = $2, worker_id = NULL, lease_expires_at = NULL")).
		WithArgs(int64(3), "inactive", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM batches b WHERE b.id =").
		WithArgs(int64(3)).
		WillReturnRows(batchRow(3, nil, nil))
	mock.ExpectCommit()

	inactive := crawler.LifecycleInactive
	_, err := s.UpdateBatch(context.Background(), 3, crawler.BatchUpdate{Status: &inactive}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatchKeepsClaimOnPlainEdit(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	end := now.Add(-12 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT script_status FROM batches WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"script_status"}).AddRow("processing"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET end_time = $2, updated_at = $3 WHERE id = $1")).
		WithArgs(int64(3), end, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM batches b WHERE b.id =").
		WithArgs(int64(3)).
		WillReturnRows(batchRow(3, ptr("w1"), nil))
	mock.ExpectCommit()

	got, err := s.UpdateBatch(context.Background(), 3, crawler.BatchUpdate{EndTime: &end}, now)
	require.NoError(t, err)
	require.Equal(t, "w1", *got.WorkerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBatchesAppliesFilters(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM batches b")).
		WithArgs("processing", "%w1%").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY b.id DESC").
		WithArgs("processing", "%w1%", 10).
		WillReturnRows(batchRow(3, ptr("w1"), nil))

	batches, total, err := s.ListBatches(context.Background(), store.BatchFilter{
		ScriptStatus: "processing",
		Search:       "w1",
		Limit:        10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, batches, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordCreatesCountyAndRecord(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	c := crawler.Candidate{SourceLink: "https://oh.example/a/1", County: "Adams", TargetID: 1, CategoryID: 2, BatchID: 7}
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO counties").
		WithArgs("Adams").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO records").
		WithArgs(c.SourceLink, ptr(int64(5)), int64(1), int64(7), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("INSERT INTO record_categories").
		WithArgs(int64(11), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.InsertRecord(context.Background(), c, now)
	require.NoError(t, err)
	require.Equal(t, crawler.InsertResult{ID: 11}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordDuplicateIsSkipped(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	c := crawler.Candidate{SourceLink: "https://oh.example/a/1", TargetID: 1, CategoryID: 3, BatchID: 7}
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO records").
		WithArgs(c.SourceLink, (*int64)(nil), int64(1), int64(7), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO record_categories").
		WithArgs(c.SourceLink, int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.InsertRecord(context.Background(), c, now)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Zero(t, res.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextPendingScansRecords(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery("WHERE r.status = 'pending' AND r.id > ").
		WithArgs(int64(0), 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_link", "name", "arrest_datetime", "agency_id", "county_id",
			"target_id", "batch_id", "status", "derived_flag", "created_at", "updated_at", "categories",
		}).AddRow(
			int64(1), "https://oh.example/a/1", nil, nil, nil, ptr(int64(4)),
			int64(1), int64(7), "pending", false, now, now, []int64{2},
		))

	recs, err := s.NextPending(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, crawler.RecordPending, recs[0].Status)
	require.Equal(t, int64(4), *recs[0].CountyID)
	require.Nil(t, recs[0].Name)
	require.Equal(t, []int64{2}, recs[0].CategoryIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRecordWritesEnrichmentInOneTx(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	arrested := now.Add(-time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM records WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("INSERT INTO agencies").
		WithArgs("Sheriff").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectExec("UPDATE records SET").
		WithArgs(int64(9), "DOE, JANE", pgxmock.AnyArg(), ptr(int64(4)), true, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO record_charges").
		WithArgs(int64(9), "FTA", []byte(`{"Bond":"500"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CompleteRecord(context.Background(), 9, crawler.Enrichment{
		Name:           "DOE, JANE",
		ArrestDatetime: &arrested,
		Agency:         "Sheriff",
		Charges:        []crawler.Charge{{Title: "FTA", Attributes: map[string]string{"Bond": "500"}}},
		DerivedFlag:    true,
	}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRecordUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM records WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	err := s.CompleteRecord(context.Background(), 9, crawler.Enrichment{}, now)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRecordTwiceKeepsChargesWriteOnce(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM records WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectCommit()

	err := s.CompleteRecord(context.Background(), 9, crawler.Enrichment{
		Name:    "DOE, JANE",
		Agency:  "Sheriff",
		Charges: []crawler.Charge{{Title: "FTA"}},
	}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "no agency, update, or charge statements")
}

func TestCompleteRecordSkipsChargesWhenUpdateMatchesNothing(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM records WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectExec("UPDATE records SET").
		WithArgs(int64(9), "", pgxmock.AnyArg(), pgxmock.AnyArg(), false, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	err := s.CompleteRecord(context.Background(), 9, crawler.Enrichment{
		Charges: []crawler.Charge{{Title: "FTA"}},
	}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetPrioritiesRollsBackOnUnknownTarget(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE targets SET priority").
		WithArgs(int64(1), 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE targets SET priority").
		WithArgs(int64(404), 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.UpdateTargetPriorities(context.Background(), []crawler.PriorityUpdate{
		{ID: 1, Priority: 5},
		{ID: 404, Priority: 0},
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetPrioritiesCommitsAndBumpsRevision(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE targets SET priority").
		WithArgs(int64(1), 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE config_revision").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.UpdateTargetPriorities(context.Background(), []crawler.PriorityUpdate{{ID: 1, Priority: 1}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCategoryDuplicateIsConflict(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO categories").
		WithArgs("Theft", 1, (*int)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.CreateCategory(context.Background(), crawler.Category{Name: "Theft", Status: 1})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceWatchNamesNormalizesAndBumpsRevision(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM watch_names").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO watch_names").
		WithArgs([]string{"smith", "jane doe"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("UPDATE config_revision").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.ReplaceWatchNames(context.Background(), []string{" smith", "", "jane doe", "smith"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettingMissingIsNotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM settings").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	_, err := s.GetSetting(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
