// Package usage tracks which calculators each tenant uses.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// DefaultLimit is the size of the recent-usage list when none is given.
const DefaultLimit = 10

// ErrInvalidInput is returned when the tenant or definition is missing.
var ErrInvalidInput = errors.New("tenantID and definitionID are required")

// Service records calculator usage. The repository keeps the durable
// recent list; the cache keeps a rolling counter per definition.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
	now    func() time.Time
}

// NewService creates a usage service. Either collaborator may be nil.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
		now:    time.Now,
	}
}

// Record notes one use of definitionID and returns the rolling count
// within the window. The count is zero when no cache is configured.
func (s *Service) Record(ctx context.Context, tenantID, definitionID string) (int64, error) {
	if tenantID == "" || definitionID == "" {
		return 0, ErrInvalidInput
	}

	if s.repo != nil {
		if err := s.repo.RecordUsage(ctx, tenantID, definitionID, s.now().UTC()); err != nil {
			return 0, fmt.Errorf("failed to record usage: %w", err)
		}
	}

	if s.cache == nil {
		return 0, nil
	}
	count, err := s.cache.IncrementCounter(ctx, tenantID, counterKey(definitionID), s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return count, nil
}

// Recent returns the calculators tenantID used most recently.
func (s *Service) Recent(ctx context.Context, tenantID string, limit int) ([]*domain.Usage, error) {
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	if s.repo == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.repo.RecentUsage(ctx, tenantID, limit)
}

func counterKey(definitionID string) string {
	return "usage:" + definitionID
}
