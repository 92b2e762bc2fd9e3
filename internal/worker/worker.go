// Package worker persists completed evaluations off the request path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-clinical/clinscore/internal/audit"
	"github.com/opensource-clinical/clinscore/internal/bus"
	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/metrics"
	"github.com/opensource-clinical/clinscore/internal/usage"
)

// Worker consumes evaluation events from the EventBus. For each event it
// saves the evaluation, records usage and appends to the audit trail.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	usage *usage.Service
	trail *audit.Trail

	mu            sync.Mutex
	subscriptions []domain.Subscription
	processed     int64
	failed        int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global partition)
	TenantIDs []string
}

// NewWorker creates a new async worker. repo, usage and trail may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, usage *usage.Service, trail *audit.Trail) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		usage:  usage,
		trail:  trail,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker consumes the partition every tenant publishes to
// when no tenant list is configured.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.BroadcastTenantID, domain.TopicEvaluationCompleted, w.handleMessage)
	if err != nil {
		return err
	}
	w.addSubscription(sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEvaluationCompleted, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvaluation(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.addSubscription(sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEvaluationCompleted,
	)

	return nil
}

// handleMessage handles messages from the global subscription. The
// tenant comes from the payload.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processEvaluation(ctx, "", msg)
}

// processEvaluation stores one completed evaluation.
func (w *Worker) processEvaluation(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	err := w.store(ctx, tenantID, msg)

	outcome := "ok"
	w.mu.Lock()
	if err != nil {
		outcome = "error"
		w.failed++
	} else {
		w.processed++
	}
	w.mu.Unlock()
	metrics.WorkerMessages.WithLabelValues(msg.Topic, outcome).Inc()

	if err != nil {
		slog.Error("failed to process evaluation",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Debug("evaluation processed",
		"message_id", msg.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) store(ctx context.Context, tenantID string, msg *domain.Message) error {
	var event domain.EvaluationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("failed to parse evaluation event: %w", err)
	}
	if event.Evaluation == nil {
		return errors.New("evaluation event without evaluation")
	}

	// Use payload tenant if provided
	if event.TenantID != "" {
		tenantID = event.TenantID
	}
	if tenantID == "" {
		tenantID = event.Evaluation.TenantID
	}
	if tenantID == "" {
		return errors.New("evaluation event without tenant")
	}

	eval := event.Evaluation
	eval.TenantID = tenantID
	if eval.Metadata.TraceID == "" {
		eval.Metadata.TraceID = msg.Metadata[bus.MetadataTraceID]
	}

	// 1. Save evaluation
	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			return fmt.Errorf("failed to save evaluation %s: %w", eval.ID, err)
		}
	}

	// 2. Record usage
	if w.usage != nil {
		if _, err := w.usage.Record(ctx, tenantID, eval.DefinitionID); err != nil {
			slog.Warn("failed to record usage",
				"tenant_id", tenantID,
				"definition_id", eval.DefinitionID,
				"error", err,
			)
		}
	}

	// 3. Audit trail
	w.trail.Record(ctx, eval)

	return nil
}

func (w *Worker) addSubscription(sub domain.Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptions = append(w.subscriptions, sub)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
