// Package evaluation wraps catalog scoring with memoisation, the audit
// envelope and event publication.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/metrics"
	"github.com/opensource-clinical/clinscore/internal/rules"
)

// EngineVersion is stamped on every evaluation envelope.
const EngineVersion = "clinscore-1.0"

var tracer = otel.Tracer("clinscore-evaluation")

var (
	// ErrTenantRequired is returned when a request omits the tenant.
	ErrTenantRequired = errors.New("tenantID is required")

	// ErrNoResult is returned by Last when nothing was evaluated recently.
	ErrNoResult = errors.New("no recent result")
)

// Resolver finds the definition a tenant sees under an id.
// *catalog.Catalog satisfies it.
type Resolver interface {
	Resolve(tenantID, id string) (*rules.CompiledDefinition, bool)
}

// Service evaluates inputs against catalog definitions.
// Cache and bus are optional.
type Service struct {
	catalog Resolver
	cache   domain.Cache
	bus     domain.EventBus
	cfg     domain.EvaluationConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates an evaluation service.
func NewService(catalog Resolver, cache domain.Cache, bus domain.EventBus, cfg domain.EvaluationConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog: catalog,
		cache:   cache,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Request contains everything needed for one evaluation.
type Request struct {
	TenantID     string
	DefinitionID string
	TraceID      string
	Inputs       map[string]any
	StartTime    time.Time
}

// Evaluate validates and scores the request, then publishes the
// evaluation. A rejected input set returns *domain.ValidationError.
func (s *Service) Evaluate(ctx context.Context, req *Request) (*domain.Evaluation, error) {
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	start := req.StartTime
	if start.IsZero() {
		start = s.now()
	}

	ctx, span := tracer.Start(ctx, "evaluation.evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("definition.id", req.DefinitionID),
		),
	)
	defer span.End()

	cd, ok := s.catalog.Resolve(req.TenantID, req.DefinitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, req.DefinitionID)
	}

	values, err := cd.Validate(req.Inputs)
	if err != nil {
		metrics.Evaluations.WithLabelValues(cd.ID(), metrics.OutcomeRejected).Inc()
		span.SetStatus(codes.Error, "validation failed")
		s.publishRejection(ctx, req, err)
		return nil, err
	}

	inputs := values.Natives()
	fingerprint, err := Fingerprint(cd.Digest(), inputs)
	if err != nil {
		return nil, &domain.InternalError{DefinitionID: cd.ID(), Reason: "fingerprint failed", Err: err}
	}
	span.SetAttributes(attribute.String("evaluation.fingerprint", fingerprint))

	result, cached := s.memoised(ctx, req.TenantID, fingerprint)

	var evaluateMs int64
	if result == nil {
		scoreStart := time.Now()
		result, err = cd.Score(ctx, values)
		elapsed := time.Since(scoreStart)
		if err != nil {
			metrics.Evaluations.WithLabelValues(cd.ID(), metrics.OutcomeError).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "scoring failed")
			s.logger.Error("evaluation failed",
				"tenant_id", req.TenantID,
				"definition_id", cd.ID(),
				"error", err,
			)
			return nil, err
		}
		metrics.EvaluationDuration.WithLabelValues(cd.ID()).Observe(elapsed.Seconds())
		evaluateMs = elapsed.Milliseconds()
		s.memoise(ctx, req.TenantID, fingerprint, result)
	}
	metrics.Evaluations.WithLabelValues(cd.ID(), metrics.OutcomeScored).Inc()

	traceID := req.TraceID
	if traceID == "" {
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}

	eval := &domain.Evaluation{
		ID:                uuid.New().String(),
		TenantID:          req.TenantID,
		DefinitionID:      cd.ID(),
		DefinitionVersion: cd.Version(),
		Inputs:            inputs,
		Fingerprint:       fingerprint,
		Result:            *result,
		Highlights:        Highlights(cd, result),
		Timestamp:         s.now().UTC(),
		Metadata: domain.EvaluationMetadata{
			TraceID:        traceID,
			EvaluateMs:     evaluateMs,
			TotalMs:        time.Since(start).Milliseconds(),
			RulesEvaluated: len(result.Breakdown),
			Cached:         cached,
			EngineVersion:  EngineVersion,
		},
	}

	span.SetAttributes(
		attribute.Float64("evaluation.aggregate", result.Aggregate),
		attribute.String("evaluation.band", result.Band.Label),
		attribute.Bool("evaluation.cached", cached),
	)

	s.remember(ctx, eval)
	s.publish(ctx, eval)

	s.logger.Debug("evaluation completed",
		"evaluation_id", eval.ID,
		"tenant_id", eval.TenantID,
		"definition_id", eval.DefinitionID,
		"aggregate", result.Aggregate,
		"band", result.Band.Label,
		"cached", cached,
		"duration_ms", eval.Metadata.TotalMs,
	)

	return eval, nil
}

// Last returns the most recent evaluation of definitionID by tenantID.
func (s *Service) Last(ctx context.Context, tenantID, definitionID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if s.cache == nil {
		return nil, ErrNoResult
	}

	data, err := s.cache.Get(ctx, tenantID, lastKey(definitionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read last result: %w", err)
	}
	if data == nil {
		return nil, ErrNoResult
	}

	var eval domain.Evaluation
	if err := json.Unmarshal(data, &eval); err != nil {
		return nil, ErrNoResult
	}
	return &eval, nil
}

// Fingerprint identifies a definition digest together with validated
// inputs. encoding/json sorts map keys, so equal inputs hash equally.
func Fingerprint(digest string, inputs map[string]any) (string, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.WriteString(digest)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Highlights describes the rules that contributed points, in declaration order.
func Highlights(cd *rules.CompiledDefinition, result *domain.Result) []string {
	byID := make(map[string]*rules.CompiledRule, len(cd.Rules()))
	for _, r := range cd.Rules() {
		byID[r.Rule.ID] = r
	}

	var out []string
	for _, c := range result.Breakdown {
		if !c.Matched || c.Points == 0 {
			continue
		}
		text := c.RuleID
		if r, ok := byID[c.RuleID]; ok && r.Rule.Description != "" {
			text = r.Rule.Description
		}
		out = append(out, text)
	}
	return out
}

func (s *Service) memoised(ctx context.Context, tenantID, fingerprint string) (*domain.Result, bool) {
	if s.cache == nil || s.cfg.ResultTTL <= 0 {
		return nil, false
	}
	result, err := s.cache.GetResult(ctx, tenantID, fingerprint)
	if err != nil {
		s.logger.Warn("result cache lookup failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, false
	}
	return result, result != nil
}

func (s *Service) memoise(ctx context.Context, tenantID, fingerprint string, result *domain.Result) {
	if s.cache == nil || s.cfg.ResultTTL <= 0 {
		return
	}
	if err := s.cache.SetResult(ctx, tenantID, fingerprint, result, s.cfg.ResultTTL); err != nil {
		s.logger.Warn("failed to memoise result",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

func (s *Service) remember(ctx context.Context, eval *domain.Evaluation) {
	if s.cache == nil || s.cfg.LastResultTTL <= 0 {
		return
	}
	data, err := json.Marshal(eval)
	if err != nil {
		s.logger.Warn("failed to encode last result", "error", err)
		return
	}
	if err := s.cache.Set(ctx, eval.TenantID, lastKey(eval.DefinitionID), data, s.cfg.LastResultTTL); err != nil {
		s.logger.Warn("failed to store last result",
			"tenant_id", eval.TenantID,
			"definition_id", eval.DefinitionID,
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, eval *domain.Evaluation) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.EvaluationEvent{TenantID: eval.TenantID, Evaluation: eval})
	if err != nil {
		s.logger.Error("failed to encode evaluation event", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, s.partition(eval.TenantID), domain.TopicEvaluationCompleted, payload); err != nil {
		s.logger.Error("failed to publish evaluation",
			"evaluation_id", eval.ID,
			"tenant_id", eval.TenantID,
			"error", err,
		)
	}
}

func (s *Service) publishRejection(ctx context.Context, req *Request, err error) {
	if s.bus == nil {
		return
	}
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	payload, mErr := json.Marshal(domain.RejectionEvent{
		TenantID:     req.TenantID,
		DefinitionID: verr.DefinitionID,
		TraceID:      req.TraceID,
		Errors:       verr.Errors,
	})
	if mErr != nil {
		return
	}
	if pErr := s.bus.Publish(ctx, s.partition(req.TenantID), domain.TopicValidationRejected, payload); pErr != nil {
		s.logger.Warn("failed to publish rejection",
			"tenant_id", req.TenantID,
			"error", pErr,
		)
	}
}

// partition is the bus tenant events are published under. Without a
// tenant list every event goes to the global worker.
func (s *Service) partition(tenantID string) string {
	if len(s.cfg.Tenants) == 0 {
		return domain.BroadcastTenantID
	}
	return tenantID
}

func lastKey(definitionID string) string {
	return "last:" + definitionID
}
