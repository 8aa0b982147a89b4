package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerDebit(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 100)

	balance, err := h.ledger.Debit(ctx, "L1", "pw", amount("30"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(amount("70")))

	_, err = h.ledger.Debit(ctx, "L1", "wrong", amount("10"))
	assert.Equal(t, KindUnauthorized, KindOf(err))

	_, err = h.ledger.Debit(ctx, "L1", "pw", amount("70.01"))
	assert.Equal(t, KindInsufficientFunds, KindOf(err))

	_, err = h.ledger.Debit(ctx, "L1", "pw", amount("0"))
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = h.ledger.Debit(ctx, "nobody", "pw", amount("1"))
	assert.Equal(t, KindNotFound, KindOf(err))

	balance, err = h.ledger.Debit(ctx, "L1", "pw", amount("70"))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.True(t, h.balance(t, "L1").IsZero())
}

func TestLedgerCredit(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 10)

	balance, err := h.ledger.Credit(ctx, "INST-7", amount("25.50"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(amount("35.50")))

	_, err = h.ledger.Credit(ctx, "INST-7", amount("-1"))
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = h.ledger.Credit(ctx, "ghost", amount("1"))
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.True(t, h.balance(t, "INST-7").Equal(amount("35.50")))
}
