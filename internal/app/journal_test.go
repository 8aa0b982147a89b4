package app

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuition/ledger-service/internal/domain"
)

func TestJournalRecordCompleted(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 100)

	record, err := h.journal.RecordCompleted(ctx, JournalEntry{
		From: "L1", To: testPool, Amount: amount("25.50"), Kind: domain.KindDebit, IdempotencyKey: "import-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	require.NotNil(t, record.CompletedAt)
	assert.True(t, h.balance(t, "L1").Equal(amount("100")))

	stored, err := h.journal.FindByIdempotencyKey(ctx, " import-1 ")
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)
	assert.True(t, stored.Amount.Equal(amount("25.50")))

	_, err = h.journal.RecordCompleted(ctx, JournalEntry{From: "L1", To: testPool, Amount: amount("1"), Kind: domain.KindDebit, IdempotencyKey: "import-1"})
	assert.Equal(t, KindIdempotencyConflict, KindOf(err))

	_, err = h.journal.RecordCompleted(ctx, JournalEntry{From: "L1", To: testPool, Amount: amount("0"), Kind: domain.KindDebit})
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = h.journal.RecordCompleted(ctx, JournalEntry{From: "ghost", To: testPool, Amount: amount("1"), Kind: domain.KindDebit})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.journal.FindByIdempotencyKey(ctx, "  ")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestJournalSettleTransitionsPendingOnce(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	pending, err := h.journal.RecordPending(ctx, JournalEntry{
		From: testPool, To: "INST-7", Amount: amount("120"), Kind: domain.KindObligation,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.Nil(t, pending.CompletedAt)
	assert.True(t, h.balance(t, testPool).Equal(amount("500")))

	_, err = h.journal.Settle(ctx, pending.ID, "INST-8")
	assert.Equal(t, KindAccountMismatch, KindOf(err))

	_, err = h.journal.Settle(ctx, uuid.New(), "INST-7")
	assert.Equal(t, KindNotFound, KindOf(err))

	stored, err := h.journal.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	settled, err := h.journal.Settle(ctx, pending.ID, "INST-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, settled.Status)
	require.NotNil(t, settled.CompletedAt)

	_, err = h.journal.Settle(ctx, pending.ID, "INST-7")
	assert.Equal(t, KindAlreadyProcessed, KindOf(err))
	_, err = h.journal.Settle(ctx, pending.ID, "INST-8")
	assert.Equal(t, KindAlreadyProcessed, KindOf(err))

	// Settling a journal record never moves funds.
	assert.True(t, h.balance(t, testPool).Equal(amount("500")))
}

func TestJournalConcurrentSettleSucceedsExactlyOnce(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	pending, err := h.journal.RecordPending(ctx, JournalEntry{
		From: testPool, To: "INST-7", Amount: amount("70"), Kind: domain.KindObligation,
	})
	require.NoError(t, err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		kinds     []ErrorKind
	)
	for i := 0; i < workers; i++ {
		recipient := "INST-7"
		if i%3 == 0 {
			recipient = "INST-8"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.journal.Settle(ctx, pending.ID, recipient)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			kinds = append(kinds, KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, kinds, workers-1)
	for _, kind := range kinds {
		assert.Contains(t, []ErrorKind{KindAlreadyProcessed, KindAccountMismatch}, kind)
	}

	record, err := h.journal.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
}
