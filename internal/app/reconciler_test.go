package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuition/ledger-service/internal/domain"
	"go.uber.org/zap"
)

func TestReconcilerReportsHealthyLedger(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.register(t, "L1", "pw", 500)

	_, err := h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{
		LearnerAccount: "L1", Secret: "pw", InstructorAccount: "INST-7", Price: amount("100"),
	}, "")
	require.NoError(t, err)

	reconciler := NewReconciler(h.repo, h.saga, zap.NewNop())
	assert.Nil(t, reconciler.LastReport())

	report, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy(), report.Problems)
	assert.True(t, report.Conserved)
	assert.True(t, report.PoolSolvent)
	assert.True(t, report.PoolBalance.Equal(amount("1100")))
	assert.Equal(t, int64(1), report.PendingObligationCount)
	assert.True(t, report.PendingObligationAmount.Equal(amount("70")))
	assert.Same(t, report, reconciler.LastReport())
}

func TestReconcilerFlagsInsolventPool(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 0)

	_, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("80"), Secret: testPoolSecret,
	})
	require.NoError(t, err)
	_, err = h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "INST-7", Amount: amount("50"), Secret: testPoolSecret}, "")
	require.NoError(t, err)

	report, err := NewReconciler(h.repo, h.saga, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Conserved)
	assert.False(t, report.PoolSolvent)
	assert.Len(t, report.Problems, 1)
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	h := newHarness(t, 0)
	scheduler := NewScheduler(NewReconciler(h.repo, h.saga, zap.NewNop()), "not a schedule", zap.NewNop())
	assert.Error(t, scheduler.Start())
}

func TestCourseUploadConsumerPaysOncePerCourse(t *testing.T) {
	h := newHarness(t, 5000)
	h.register(t, "INST-42", "ipw", 0)
	consumer := NewCourseUploadConsumer(h.saga, zap.NewNop())

	body, err := json.Marshal(domain.CourseUploadedEvent{CourseID: "course-1", CourseTitle: "Intro", InstructorID: "42"})
	require.NoError(t, err)

	assert.True(t, consumer.HandleMessage(body))
	assert.True(t, consumer.HandleMessage(body))
	assert.True(t, h.balance(t, "INST-42").Equal(amount("2000")))
	assert.True(t, h.balance(t, testPool).Equal(amount("3000")))
}

func TestCourseUploadConsumerDropsPermanentFailures(t *testing.T) {
	h := newHarness(t, 5000)
	consumer := NewCourseUploadConsumer(h.saga, zap.NewNop())

	assert.True(t, consumer.HandleMessage([]byte("{not json")))
	assert.True(t, consumer.HandleMessage([]byte(`{"courseId":"c-1"}`)))

	body, err := json.Marshal(domain.CourseUploadedEvent{CourseID: "c-2", InstructorAccount: "INST-unknown"})
	require.NoError(t, err)
	assert.True(t, consumer.HandleMessage(body))
	assert.True(t, h.balance(t, testPool).Equal(amount("5000")))
}
