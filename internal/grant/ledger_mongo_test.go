package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrec/internal/database/dbtest"
)

func TestMongoLedger_ConsumeOnce(t *testing.T) {
	db := dbtest.Start(t)
	ledger := NewMongoLedger(db.GetDatabase())
	ctx := context.Background()

	require.NoError(t, ledger.EnsureIndexes(ctx))

	g := &Grant{ID: "grant-" + t.Name(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, ledger.Consume(ctx, g))
	assert.ErrorIs(t, ledger.Consume(ctx, g), ErrConsumed)

	// A second ledger on the same database sees the first consumption.
	again := NewMongoLedger(db.GetDatabase())
	assert.ErrorIs(t, again.Consume(ctx, g), ErrConsumed)
}
