package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// ListTargets returns targets ordered by priority then name.
func (s *Store) ListTargets(ctx context.Context) ([]crawler.Target, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, url, status, priority FROM targets ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Target, 0)
	for rows.Next() {
		var t crawler.Target
		if err := rows.Scan(&t.ID, &t.Name, &t.URL, &t.Status, &t.Priority); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

// CreateTarget adds a target; names are unique.
func (s *Store) CreateTarget(ctx context.Context, t crawler.Target) (crawler.Target, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO targets (name, url, status, priority) VALUES ($1, $2, $3, $4) RETURNING id`,
			t.Name, t.URL, t.Status, t.Priority).Scan(&t.ID)
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return crawler.Target{}, err
	}
	return t, nil
}

// UpdateTargetPriorities applies every update or none of them.
func (s *Store) UpdateTargetPriorities(ctx context.Context, updates []crawler.PriorityUpdate) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, u := range updates {
			tag, err := tx.Exec(ctx, `UPDATE targets SET priority = $2 WHERE id = $1`, u.ID, u.Priority)
			if err != nil {
				return fmt.Errorf("update target %d priority: %w", u.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("target %d: %w", u.ID, store.ErrNotFound)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

// SetTargetStatus toggles a target on or off.
func (s *Store) SetTargetStatus(ctx context.Context, id int64, status int) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE targets SET status = $2 WHERE id = $1`, id, status)
		if err != nil {
			return fmt.Errorf("update target %d status: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return bumpRevision(ctx, tx)
	})
}

func scanCategory(row rowScanner) (crawler.Category, error) {
	var c crawler.Category
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &c.Code); err != nil {
		return crawler.Category{}, err
	}
	return c, nil
}

// ListCategories returns all categories by id, or those with status by name.
func (s *Store) ListCategories(ctx context.Context, status *int) ([]crawler.Category, error) {
	query := `SELECT id, name, status, code FROM categories ORDER BY id`
	var args []any
	if status != nil {
		query = `SELECT id, name, status, code FROM categories WHERE status = $1 ORDER BY name`
		args = append(args, *status)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(ctx context.Context, id int64) (crawler.Category, error) {
	c, err := scanCategory(s.pool.QueryRow(ctx, `SELECT id, name, status, code FROM categories WHERE id = $1`, id))
	if err != nil {
		return crawler.Category{}, fmt.Errorf("get category %d: %w", id, notFound(err))
	}
	return c, nil
}

// CreateCategory adds a category; names are unique.
func (s *Store) CreateCategory(ctx context.Context, c crawler.Category) (crawler.Category, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO categories (name, status, code) VALUES ($1, $2, $3) RETURNING id`,
			c.Name, c.Status, c.Code).Scan(&c.ID)
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert category: %w", err)
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return crawler.Category{}, err
	}
	return c, nil
}

// UpdateCategory replaces a category's fields.
func (s *Store) UpdateCategory(ctx context.Context, c crawler.Category) (crawler.Category, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE categories SET name = $2, status = $3, code = $4 WHERE id = $1`,
			c.ID, c.Name, c.Status, c.Code)
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("update category %d: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return crawler.Category{}, err
	}
	return c, nil
}

// DeleteCategory removes a category.
func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete category %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return bumpRevision(ctx, tx)
	})
}

// Revision returns the configuration revision.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.pool.QueryRow(ctx, `SELECT revision FROM config_revision`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// GetSetting returns a setting value.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", name, err)
	}
	return value, nil
}

// PutSetting upserts a setting.
func (s *Store) PutSetting(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, name, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", name, err)
	}
	return nil
}

// ListSettings returns all settings.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return out, nil
}

// WatchNames returns the watch list in insertion order.
func (s *Store) WatchNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM watch_names ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list watch names: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan watch name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list watch names: %w", err)
	}
	return out, nil
}

// ReplaceWatchNames swaps the watch list, dropping blanks and duplicates.
func (s *Store) ReplaceWatchNames(ctx context.Context, names []string) error {
	names = store.NormalizeNames(names)
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM watch_names`); err != nil {
			return fmt.Errorf("clear watch names: %w", err)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO watch_names (name)
SELECT u.name FROM unnest($1::text[]) WITH ORDINALITY AS u(name, ord) ORDER BY u.ord`, names)
		if err != nil {
			return fmt.Errorf("insert watch names: %w", err)
		}
		return bumpRevision(ctx, tx)
	})
}
