package refcache

import (
	"context"
	"fmt"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// StoreSource builds snapshots straight from the repositories. The
// coordinator serves it over HTTP; in-process workers use it directly.
type StoreSource struct {
	reference store.ReferenceRepository
	settings  store.SettingsRepository
}

// NewStoreSource wires a StoreSource.
func NewStoreSource(reference store.ReferenceRepository, settings store.SettingsRepository) *StoreSource {
	return &StoreSource{reference: reference, settings: settings}
}

// Reference returns every target and category plus the watch list.
func (s *StoreSource) Reference(ctx context.Context) (crawler.ReferenceSnapshot, error) {
	rev, err := s.reference.Revision(ctx)
	if err != nil {
		return crawler.ReferenceSnapshot{}, fmt.Errorf("read revision: %w", err)
	}
	targets, err := s.reference.ListTargets(ctx)
	if err != nil {
		return crawler.ReferenceSnapshot{}, fmt.Errorf("list targets: %w", err)
	}
	categories, err := s.reference.ListCategories(ctx, nil)
	if err != nil {
		return crawler.ReferenceSnapshot{}, fmt.Errorf("list categories: %w", err)
	}
	names, err := s.settings.WatchNames(ctx)
	if err != nil {
		return crawler.ReferenceSnapshot{}, fmt.Errorf("list watch names: %w", err)
	}
	return crawler.ReferenceSnapshot{
		Revision:   rev,
		Targets:    targets,
		Categories: categories,
		WatchNames: names,
	}, nil
}

// Revision returns the current configuration revision.
func (s *StoreSource) Revision(ctx context.Context) (int64, error) {
	rev, err := s.reference.Revision(ctx)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}
