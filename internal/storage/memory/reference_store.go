package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// ListTargets returns targets ordered by priority then name.
func (s *Store) ListTargets(_ context.Context) ([]crawler.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// CreateTarget adds a target; names are unique.
func (s *Store) CreateTarget(_ context.Context, target crawler.Target) (crawler.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if strings.EqualFold(t.Name, target.Name) {
			return crawler.Target{}, store.ErrConflict
		}
	}
	s.nextTargetID++
	target.ID = s.nextTargetID
	s.targets[target.ID] = target
	s.revision++
	return target, nil
}

// UpdateTargetPriorities applies every update or none of them.
func (s *Store) UpdateTargetPriorities(_ context.Context, updates []crawler.PriorityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if _, ok := s.targets[u.ID]; !ok {
			return fmt.Errorf("target %d: %w", u.ID, store.ErrNotFound)
		}
	}
	for _, u := range updates {
		t := s.targets[u.ID]
		t.Priority = u.Priority
		s.targets[u.ID] = t
	}
	s.revision++
	return nil
}

// SetTargetStatus toggles a target on or off.
func (s *Store) SetTargetStatus(_ context.Context, id int64, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	s.targets[id] = t
	s.revision++
	return nil
}

// ListCategories returns all categories by id, or those with status by name.
func (s *Store) ListCategories(_ context.Context, status *int) ([]crawler.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if status != nil && c.Status != *status {
			continue
		}
		out = append(out, cloneCategory(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if status != nil {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(_ context.Context, id int64) (crawler.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok {
		return crawler.Category{}, store.ErrNotFound
	}
	return cloneCategory(c), nil
}

// CreateCategory adds a category; names are unique.
func (s *Store) CreateCategory(_ context.Context, category crawler.Category) (crawler.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.categoryNameTakenLocked(category.Name, 0) {
		return crawler.Category{}, store.ErrConflict
	}
	s.nextCatID++
	category.ID = s.nextCatID
	s.categories[category.ID] = cloneCategory(category)
	s.revision++
	return cloneCategory(category), nil
}

// UpdateCategory replaces a category's fields.
func (s *Store) UpdateCategory(_ context.Context, category crawler.Category) (crawler.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[category.ID]; !ok {
		return crawler.Category{}, store.ErrNotFound
	}
	if s.categoryNameTakenLocked(category.Name, category.ID) {
		return crawler.Category{}, store.ErrConflict
	}
	s.categories[category.ID] = cloneCategory(category)
	s.revision++
	return cloneCategory(category), nil
}

// DeleteCategory removes a category.
func (s *Store) DeleteCategory(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.categories, id)
	s.revision++
	return nil
}

func (s *Store) categoryNameTakenLocked(name string, except int64) bool {
	for id, c := range s.categories {
		if id != except && c.Name == name {
			return true
		}
	}
	return false
}

// Revision returns the configuration revision.
func (s *Store) Revision(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

// GetSetting returns a setting value.
func (s *Store) GetSetting(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[name]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

// PutSetting upserts a setting.
func (s *Store) PutSetting(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
	return nil
}

// ListSettings returns a copy of all settings.
func (s *Store) ListSettings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// WatchNames returns the watch list in insertion order.
func (s *Store) WatchNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.watchNames...), nil
}

// ReplaceWatchNames swaps the watch list, dropping blanks and duplicates.
func (s *Store) ReplaceWatchNames(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchNames = store.NormalizeNames(names)
	s.revision++
	return nil
}

func cloneCategory(c crawler.Category) crawler.Category {
	out := c
	out.Code = clonePtr(c.Code)
	return out
}
