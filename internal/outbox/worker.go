package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"willway-bot/internal/metrics"
	"willway-bot/internal/models"
)

type Options struct {
	Workers      int
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.BatchSize < 1 {
		o.BatchSize = 50
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

// Worker polls due messages and hands them to a Sender. Rows are partitioned by recipient so one
// recipient is always served by the same goroutine.
type Worker struct {
	db     *gorm.DB
	sender Sender
	log    *zap.Logger
	opts   Options
	now    func() time.Time
}

func NewWorker(db *gorm.DB, sender Sender, opts Options, log *zap.Logger) *Worker {
	return &Worker{
		db:     db,
		sender: sender,
		log:    log.Named("outbox"),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Run delivers until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Info("outbox worker started", zap.Int("workers", w.opts.Workers))
	for {
		if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("outbox cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Flush runs one delivery cycle over every partition and returns the number of messages sent.
func (w *Worker) Flush(ctx context.Context) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
		errs []error
	)
	for p := 0; p < w.opts.Workers; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			n, err := w.drain(ctx, partition)
			mu.Lock()
			defer mu.Unlock()
			sent += n
			if err != nil {
				errs = append(errs, err)
			}
		}(p)
	}
	wg.Wait()

	var pending int64
	if err := w.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("sent_at IS NULL AND failed_at IS NULL").Count(&pending).Error; err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	return sent, errors.Join(errs...)
}

func (w *Worker) drain(ctx context.Context, partition int) (int, error) {
	var rows []models.OutboxMessage
	err := w.db.WithContext(ctx).
		Where("sent_at IS NULL AND failed_at IS NULL AND available_at <= ?", w.now()).
		Where("ABS(recipient_id) % ? = ?", w.opts.Workers, partition).
		Order("id").Limit(w.opts.BatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	blocked := make(map[models.MessengerID]bool)
	sent := 0
	for i := range rows {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		m := &rows[i]
		if blocked[m.RecipientID] {
			continue
		}
		if w.deliver(ctx, m) {
			sent++
		} else {
			// later rows for this recipient wait for the next cycle to keep their order
			blocked[m.RecipientID] = true
		}
	}
	return sent, nil
}

// deliver sends m and records the outcome. It reports whether the message was sent.
func (w *Worker) deliver(ctx context.Context, m *models.OutboxMessage) bool {
	log := w.log.With(zap.Uint64("outbox_id", m.ID), zap.Int64("messenger_id", int64(m.RecipientID)), zap.String("kind", m.Kind))

	p, err := decode(m)
	if err == nil {
		err = w.sender.Send(ctx, m.RecipientID, Kind(m.Kind), p)
	}
	now := w.now()
	updates := map[string]any{}
	result := "sent"

	switch {
	case err == nil:
		updates["sent_at"] = now
	case errors.Is(err, ErrInvalidRecipient):
		updates["failed_at"] = now
		updates["last_error"] = err.Error()
		result = "invalid_recipient"
		log.Warn("recipient unreachable, message dropped", zap.Error(err))
	default:
		retries := m.Retries + 1
		updates["retries"] = retries
		updates["last_error"] = err.Error()
		result = "retry"
		if retries >= w.opts.MaxRetries {
			updates["failed_at"] = now
			result = "failed"
			log.Error("delivery failed permanently", zap.Int("retries", retries), zap.Error(err))
		} else {
			log.Warn("delivery failed, will retry", zap.Int("retries", retries), zap.Error(err))
		}
	}
	metrics.OutboxDeliveriesTotal.WithLabelValues(m.Kind, result).Inc()

	if uerr := w.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", m.ID).Updates(updates).Error; uerr != nil {
		log.Error("failed to record delivery outcome", zap.Error(uerr))
		return false
	}
	return err == nil
}
