package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tuition/ledger-service/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const maxSecretLength = 72

// AuthGate verifies account secrets against their bcrypt hashes. Failed attempts are
// counted per account; once an account reaches the limit the gate refuses to check
// secrets until the window expires. A successful check clears the count.
type AuthGate struct {
	cost          int
	failures      FailureCounter
	failureLimit  int
	failureWindow time.Duration
	logger        *zap.Logger
}

func NewAuthGate(cost int, logger *zap.Logger) *AuthGate {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthGate{cost: cost, logger: logger}
}

// SetFailureCounter enables failed-attempt throttling.
func (g *AuthGate) SetFailureCounter(counter FailureCounter, limit int, window time.Duration) {
	g.failures = counter
	g.failureLimit = limit
	g.failureWindow = window
}

func validateSecret(secret string) error {
	if secret == "" || len(secret) > maxSecretLength {
		return ErrInvalidSecret
	}
	return nil
}

// HashSecret returns a salted bcrypt hash of secret.
func (g *AuthGate) HashSecret(secret string) (string, error) {
	if err := validateSecret(secret); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), g.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify checks secret against the account's stored hash.
func (g *AuthGate) Verify(ctx context.Context, account *domain.Account, secret string) error {
	previous, throttled := g.throttled(ctx, account.AccountNumber)
	if throttled {
		return ErrRateLimited
	}

	if secret == "" {
		g.recordFailure(ctx, account.AccountNumber)
		return ErrUnauthorized
	}

	err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(secret))
	if err == nil {
		if previous > 0 {
			g.clearFailures(ctx, account.AccountNumber)
		}
		return nil
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		g.logger.Error("secret hash comparison failed",
			zap.String("component", "auth_gate"),
			zap.String("account_number", account.AccountNumber),
			zap.Error(err),
		)
	}
	g.recordFailure(ctx, account.AccountNumber)
	return ErrUnauthorized
}

func (g *AuthGate) enabled() bool {
	return g.failures != nil && g.failureLimit > 0
}

// throttled fails open: a counter outage never locks accounts out.
func (g *AuthGate) throttled(ctx context.Context, accountNumber string) (int, bool) {
	if !g.enabled() {
		return 0, false
	}
	failures, err := g.failures.Failures(ctx, accountNumber)
	if err != nil {
		g.logger.Warn("auth throttle check failed; allowing attempt",
			zap.String("component", "auth_gate"),
			zap.String("account_number", accountNumber),
			zap.Error(err),
		)
		return 0, false
	}
	return failures, failures >= g.failureLimit
}

func (g *AuthGate) recordFailure(ctx context.Context, accountNumber string) {
	if !g.enabled() {
		return
	}
	failures, retryAfter, err := g.failures.Increment(ctx, accountNumber, g.failureWindow)
	if err != nil {
		g.logger.Warn("failed to record auth failure",
			zap.String("component", "auth_gate"),
			zap.String("account_number", accountNumber),
			zap.Error(err),
		)
		return
	}
	if failures == g.failureLimit {
		g.logger.Warn("account authentication throttled",
			zap.String("component", "auth_gate"),
			zap.String("account_number", accountNumber),
			zap.Int("failures", failures),
			zap.Duration("retry_after", retryAfter),
		)
	}
}

func (g *AuthGate) clearFailures(ctx context.Context, accountNumber string) {
	if err := g.failures.Reset(ctx, accountNumber); err != nil {
		g.logger.Warn("failed to clear auth failures",
			zap.String("component", "auth_gate"),
			zap.String("account_number", accountNumber),
			zap.Error(err),
		)
	}
}
