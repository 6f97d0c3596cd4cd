package usecase

import (
	"fmt"

	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// defaultDLQListLimit bounds unpaginated DLQ listings.
const defaultDLQListLimit = 50

// DLQAdminService exposes the operator surface over the dead-letter
// store: listing, manual resolution and trend reports.
type DLQAdminService struct {
	Repo     domain.DLQRepository
	Analyzer *dlq.Analyzer
}

// NewDLQAdminService wires the DLQ admin surface.
func NewDLQAdminService(repo domain.DLQRepository) DLQAdminService {
	return DLQAdminService{Repo: repo, Analyzer: dlq.NewAnalyzer(repo)}
}

// List returns unresolved-first entries, optionally filtered by error
// kind.
func (s DLQAdminService) List(ctx domain.Context, limit int, kindFilter string) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = defaultDLQListLimit
	}
	entries, err := s.Repo.List(ctx, limit, kindFilter)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.dlq_list: %w", err)
	}
	return entries, nil
}

// Get returns one entry by id.
func (s DLQAdminService) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	entry, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=usecase.dlq_get: %w", err)
	}
	return entry, nil
}

// Resolve marks an entry handled. resolvedBy is required; notes are
// free text for the audit trail.
func (s DLQAdminService) Resolve(ctx domain.Context, id, resolvedBy, notes string) error {
	if resolvedBy == "" {
		return fmt.Errorf("%w: resolved_by is required", domain.ErrInvalidArgument)
	}
	if err := s.Repo.Resolve(ctx, id, resolvedBy, notes); err != nil {
		return fmt.Errorf("op=usecase.dlq_resolve: %w", err)
	}
	return nil
}

// Trends rolls failures up over the trailing window in days.
func (s DLQAdminService) Trends(ctx domain.Context, days int) (domain.DLQTrendReport, error) {
	if days <= 0 {
		days = 7
	}
	report, err := s.Analyzer.TrendReport(ctx, days)
	if err != nil {
		return domain.DLQTrendReport{}, fmt.Errorf("op=usecase.dlq_trends: %w", err)
	}
	return report, nil
}
