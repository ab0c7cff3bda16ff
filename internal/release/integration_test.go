package release_test

import (
	"context"
	"testing"
	"time"

	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/models"
	"github.com/safar/handiehub/internal/release"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobReleasesDueEscrows(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()
	clock := testutil.NewClock(time.Now().UTC())
	engine := escrow.NewEngine(db, logging.Discard(), escrow.WithClock(clock.Now))

	seller := testutil.CreateUser(t, db, models.RoleHandieman)
	buyer := testutil.CreateUser(t, db, models.RoleClient)
	product := testutil.CreateProduct(t, db, seller.ID, 200, testutil.IntPtr(10))

	for i := 0; i < 3; i++ {
		order := testutil.CreateOrder(t, db, buyer.ID, product, 1, models.OrderStatusCompleted)
		_, err := engine.CreateEscrow(ctx, db, escrow.CreateEscrowRequest{
			OrderID:  order.ID,
			SellerID: seller.ID,
			BuyerID:  buyer.ID,
			Amount:   order.Amount,
		})
		require.NoError(t, err)
		_, err = engine.MarkCompleted(ctx, db, order.ID)
		require.NoError(t, err)
	}

	job := release.NewJob(engine, time.Hour, logging.Discard())

	require.True(t, job.RunOnce(ctx))
	wallet, err := store.GetWallet(ctx, db, seller.ID)
	require.NoError(t, err)
	assert.True(t, wallet.AvailableBalance.IsZero())

	clock.Advance(escrow.ReleaseDelay + time.Second)
	require.True(t, job.RunOnce(ctx))
	require.True(t, job.RunOnce(ctx))

	wallet, err = store.GetWallet(ctx, db, seller.ID)
	require.NoError(t, err)
	assert.True(t, wallet.AvailableBalance.Equal(decimal.NewFromInt(600)))
	assert.True(t, wallet.EscrowBalance.IsZero())
	assert.EqualValues(t, 3, job.Runs())
}
