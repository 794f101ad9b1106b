package cache

import (
	"context"
	"time"

	"github.com/Izu99/rice-app/internal/domain"
)

// StockSummaryCache holds the per-company stock summary so the dashboard
// endpoint does not rescan inventory on every poll. Entries are invalidated
// by any stock-touching mutation.
type StockSummaryCache interface {
	Get(ctx context.Context, companyID string) (*domain.StockSummary, bool, error)
	Set(ctx context.Context, companyID string, summary *domain.StockSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, companyID string) error
}

type NoopStockSummaryCache struct{}

func (NoopStockSummaryCache) Get(_ context.Context, _ string) (*domain.StockSummary, bool, error) {
	return nil, false, nil
}

func (NoopStockSummaryCache) Set(_ context.Context, _ string, _ *domain.StockSummary, _ time.Duration) error {
	return nil
}

func (NoopStockSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
