package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tuition/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const courseUploadHandleTimeout = 15 * time.Second

// CourseUploadConsumer pays the upload fee when the catalog announces a new course.
// The payment is keyed on the course id, so redeliveries are harmless.
type CourseUploadConsumer struct {
	saga   *SettlementSaga
	logger *zap.Logger
}

func NewCourseUploadConsumer(saga *SettlementSaga, logger *zap.Logger) *CourseUploadConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseUploadConsumer{saga: saga, logger: logger.With(zap.String("component", "course_upload_consumer"))}
}

// HandleMessage returns false only when a retry could succeed.
func (c *CourseUploadConsumer) HandleMessage(body []byte) bool {
	var event domain.CourseUploadedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload; dropping", zap.Error(err))
		return true
	}

	account := strings.TrimSpace(event.InstructorAccount)
	if account == "" && strings.TrimSpace(event.InstructorID) != "" {
		account = domain.InstructorAccountNumber(event.InstructorID)
	}
	if account == "" || strings.TrimSpace(event.CourseID) == "" {
		c.logger.Warn("course upload event missing instructor or course id; dropping",
			zap.String("course_id", event.CourseID),
		)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), courseUploadHandleTimeout)
	defer cancel()

	resp, err := c.saga.payCourseUploadFee(ctx, domain.CourseUploadPaymentRequest{
		ToAccount:   account,
		CourseID:    event.CourseID,
		CourseTitle: event.CourseTitle,
	})
	if err != nil {
		kind := KindOf(err)
		if kind == KindInternal {
			c.logger.Error("course upload payment failed; re-queuing",
				zap.String("course_id", event.CourseID),
				zap.String("instructor_account", account),
				zap.Error(err),
			)
			return false
		}
		c.logger.Warn("course upload payment rejected; dropping",
			zap.String("course_id", event.CourseID),
			zap.String("instructor_account", account),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return true
	}

	c.logger.Info("course upload fee paid",
		zap.String("course_id", event.CourseID),
		zap.String("instructor_account", account),
		zap.String("transaction_id", resp.TransactionID.String()),
	)
	return true
}
