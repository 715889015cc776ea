// Package notify pushes balance changes onto Redis pub/sub so interested
// frontends can refresh without polling. Publishing is best-effort: a
// missing or unhealthy Redis never blocks the request path.
package notify

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/redis"
)

// BalanceChannel is the pub/sub channel balance updates go out on.
const BalanceChannel = "eter:balance"

// BalanceUpdate is the payload published after a balance change.
type BalanceUpdate struct {
	AccountID     string    `json:"account_id"`
	CreditBalance int64     `json:"credit_balance"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher fans out balance updates. A nil Publisher is valid and drops
// everything silently.
type Publisher struct {
	pubsub *redis.TypedPubSub[BalanceUpdate]
	logger logging.Logger
}

// NewPublisher wraps a Redis client. Pass a nil client to disable
// publishing.
func NewPublisher(client goredis.UniversalClient, logger logging.Logger) *Publisher {
	if client == nil {
		return nil
	}
	return &Publisher{
		pubsub: redis.NewTypedPubSub[BalanceUpdate](client),
		logger: logger,
	}
}

// PublishBalance emits an update. Failures are logged and swallowed.
func (p *Publisher) PublishBalance(ctx context.Context, accountID string, balance int64, reason string) {
	if p == nil {
		return
	}

	update := BalanceUpdate{
		AccountID:     accountID,
		CreditBalance: balance,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}

	if err := p.pubsub.Publish(ctx, BalanceChannel, update); err != nil {
		p.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"reason":     reason,
			"error":      err,
		}).Warn("Failed to publish balance update")
	}
}
