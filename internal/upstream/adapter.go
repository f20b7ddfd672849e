// Package upstream talks to the AKTools market-data bridge. The adapter
// is the only component that knows upstream endpoint names, field names
// and quirks; everything above it works with domain types.
package upstream

import (
	"context"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
)

// Adapter is the upstream contract consumed by the fetch coordinator
// and the cache facade. Implementations must return *domain.UpstreamError
// for upstream failures so callers can classify retryability.
type Adapter interface {
	// FetchDaily returns daily bars for a stock in [start, end]. An empty
	// result is not an error; the caller decides what absence means.
	FetchDaily(ctx context.Context, sym domain.Symbol, adjust domain.Adjust, start, end time.Time) ([]domain.DailyBar, error)

	// FetchIndexDaily returns index bars for one period in [start, end].
	FetchIndexDaily(ctx context.Context, sym domain.Symbol, period domain.Period, start, end time.Time) ([]domain.IndexBar, error)

	// FetchRealtime returns the current quote for a stock.
	FetchRealtime(ctx context.Context, sym domain.Symbol) (*domain.RealtimeSnapshot, error)

	// FetchAsset returns descriptive metadata for a security.
	FetchAsset(ctx context.Context, sym domain.Symbol) (*domain.Asset, error)

	// FetchFinancial returns the raw financial payload for the kind; the
	// caller stores it opaque and decodes on read.
	FetchFinancial(ctx context.Context, sym domain.Symbol, kind domain.FinancialKind) ([]byte, error)
}
