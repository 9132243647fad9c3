package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeExpireOrder is the asynq task that cancels an unpaid order.
const TypeExpireOrder = "order:expire"

type expirePayload struct {
	OrderID string `json:"orderId"`
}

// NewExpireTask builds the expiry task for orderID.
func NewExpireTask(orderID string) (*asynq.Task, error) {
	payload, err := json.Marshal(expirePayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeExpireOrder, payload, asynq.MaxRetry(5)), nil
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler schedules expiry tasks. The task id is derived from the
// order id so an order is never scheduled twice.
type AsynqScheduler struct {
	Client taskEnqueuer
	Queue  string
}

// ScheduleExpiry implements ExpiryScheduler.
func (s AsynqScheduler) ScheduleExpiry(ctx context.Context, orderID string, after time.Duration) error {
	if s.Client == nil {
		return errors.New("task client not configured")
	}
	task, err := NewExpireTask(orderID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.ProcessIn(after), asynq.TaskID(TypeExpireOrder + ":" + orderID)}
	if s.Queue != "" {
		opts = append(opts, asynq.Queue(s.Queue))
	}
	if _, err := s.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", TypeExpireOrder, err)
	}
	return nil
}

type expirer interface {
	ExpireIfUnpaid(ctx context.Context, id string) (bool, error)
}

// ExpiryHandler processes order:expire tasks.
type ExpiryHandler struct {
	Svc    expirer
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h ExpiryHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p expirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", TypeExpireOrder, errors.Join(err, asynq.SkipRetry))
	}
	if p.OrderID == "" {
		return fmt.Errorf("%s payload without order id: %w", TypeExpireOrder, asynq.SkipRetry)
	}
	cancelled, err := h.Svc.ExpireIfUnpaid(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			h.Logger.Warn().Str("order_id", p.OrderID).Msg("expiry for unknown order")
			return nil
		}
		return err
	}
	h.Logger.Debug().Str("order_id", p.OrderID).Bool("cancelled", cancelled).Msg("order expiry processed")
	return nil
}
