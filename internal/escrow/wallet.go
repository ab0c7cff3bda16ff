package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/store"
	"github.com/shopspring/decimal"
)

var ErrInvalidPeriod = errors.New("period must be one of all, lastWeek, lastMonth, last3Months")

// Period selects the window for summary statistics.
type Period string

const (
	PeriodAll         Period = "all"
	PeriodLastWeek    Period = "lastWeek"
	PeriodLastMonth   Period = "lastMonth"
	PeriodLast3Months Period = "last3Months"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return PeriodAll, nil
	case PeriodAll, PeriodLastWeek, PeriodLastMonth, PeriodLast3Months:
		return p, nil
	}
	return "", ErrInvalidPeriod
}

// Since returns the start of the window ending at now.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodLastWeek:
		return now.Add(-7 * 24 * time.Hour)
	case PeriodLastMonth:
		return now.Add(-30 * 24 * time.Hour)
	case PeriodLast3Months:
		return now.Add(-90 * 24 * time.Hour)
	}
	return time.Unix(0, 0).UTC()
}

type Balance struct {
	AvailableBalance decimal.Decimal        `json:"available_balance"`
	EscrowBalance    decimal.Decimal        `json:"escrow_balance"`
	TotalBalance     decimal.Decimal        `json:"total_balance"`
	TotalEarnings    decimal.Decimal        `json:"total_earnings"`
	TotalWithdrawn   decimal.Decimal        `json:"total_withdrawn"`
	PendingReleases  []store.PendingRelease `json:"pending_releases"`
}

// Balance returns the seller's wallet, creating an empty one on first access,
// with pending releases ordered by release date.
func (e *Engine) Balance(ctx context.Context, sellerID int64) (*Balance, error) {
	wallet, err := store.EnsureWallet(ctx, e.db, sellerID)
	if err != nil {
		return nil, err
	}

	pending, err := store.ListPendingReleases(ctx, e.db, sellerID, 0)
	if err != nil {
		return nil, err
	}

	return &Balance{
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
		TotalBalance:     wallet.AvailableBalance.Add(wallet.EscrowBalance),
		TotalEarnings:    wallet.TotalEarnings,
		TotalWithdrawn:   wallet.TotalWithdrawn,
		PendingReleases:  pending,
	}, nil
}

func (e *Engine) ListEscrows(ctx context.Context, sellerID int64, status models.EscrowStatus, page, pageSize int) (*store.OffsetPage[models.EscrowTransaction], error) {
	return store.ListSellerEscrows(ctx, e.db, sellerID, status, page, pageSize)
}

type PeriodStats struct {
	Held           store.StatusTotal `json:"held"`
	PendingRelease store.StatusTotal `json:"pending_release"`
	Released       store.StatusTotal `json:"released"`
	Refunded       store.StatusTotal `json:"refunded"`
	Disputed       store.StatusTotal `json:"disputed"`
}

type Summary struct {
	AvailableBalance decimal.Decimal        `json:"available_balance"`
	EscrowBalance    decimal.Decimal        `json:"escrow_balance"`
	TotalBalance     decimal.Decimal        `json:"total_balance"`
	TotalEarnings    decimal.Decimal        `json:"total_earnings"`
	TotalWithdrawn   decimal.Decimal        `json:"total_withdrawn"`
	Period           Period                 `json:"period"`
	PeriodStats      PeriodStats            `json:"period_stats"`
	NextRelease      *store.PendingRelease  `json:"next_release"`
	UpcomingReleases []store.PendingRelease `json:"upcoming_releases"`
}

const upcomingReleases = 5

// Summary is the seller dashboard view: balances, escrow totals per status
// for escrows created within period, and the next few releases.
func (e *Engine) Summary(ctx context.Context, sellerID int64, period Period) (*Summary, error) {
	wallet, err := store.EnsureWallet(ctx, e.db, sellerID)
	if err != nil {
		return nil, err
	}

	stats, err := store.EscrowStatsByStatus(ctx, e.db, sellerID, period.Since(e.now()))
	if err != nil {
		return nil, err
	}

	upcoming, err := store.ListPendingReleases(ctx, e.db, sellerID, upcomingReleases)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		AvailableBalance: wallet.AvailableBalance,
		EscrowBalance:    wallet.EscrowBalance,
		TotalBalance:     wallet.AvailableBalance.Add(wallet.EscrowBalance),
		TotalEarnings:    wallet.TotalEarnings,
		TotalWithdrawn:   wallet.TotalWithdrawn,
		Period:           period,
		PeriodStats: PeriodStats{
			Held:           stats[models.EscrowStatusHeld],
			PendingRelease: stats[models.EscrowStatusPendingRelease],
			Released:       stats[models.EscrowStatusReleased],
			Refunded:       stats[models.EscrowStatusRefunded],
			Disputed:       stats[models.EscrowStatusDisputed],
		},
		UpcomingReleases: upcoming,
	}
	if len(upcoming) > 0 {
		next := upcoming[0]
		summary.NextRelease = &next
	}
	return summary, nil
}
