// Package audit writes one JSON line per completed evaluation to a
// rotating file.
package audit

import (
	"context"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// Trail is the evaluation audit log. A nil *Trail discards records.
type Trail struct {
	rotator *lumberjack.Logger
	logger  *slog.Logger
}

// New opens the audit file described by cfg. It returns nil when auditing
// is disabled.
func New(cfg domain.AuditConfig) *Trail {
	if !cfg.Enabled {
		return nil
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	t := NewWriter(rotator)
	t.rotator = rotator
	return t
}

// NewWriter creates a trail that writes to w.
func NewWriter(w io.Writer) *Trail {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return &Trail{logger: slog.New(handler)}
}

// Record appends eval to the trail.
func (t *Trail) Record(ctx context.Context, eval *domain.Evaluation) {
	if t == nil || eval == nil {
		return
	}
	t.logger.LogAttrs(ctx, slog.LevelInfo, "evaluation",
		slog.String("evaluation_id", eval.ID),
		slog.String("tenant_id", eval.TenantID),
		slog.String("definition_id", eval.DefinitionID),
		slog.String("definition_version", eval.DefinitionVersion),
		slog.String("fingerprint", eval.Fingerprint),
		slog.Any("inputs", eval.Inputs),
		slog.Float64("aggregate", eval.Result.Aggregate),
		slog.String("band", eval.Result.Band.Label),
		slog.String("severity", eval.Result.Band.Severity.String()),
		slog.Any("highlights", eval.Highlights),
		slog.Bool("cached", eval.Metadata.Cached),
		slog.String("trace_id", eval.Metadata.TraceID),
		slog.Time("evaluated_at", eval.Timestamp),
	)
}

// Close flushes and closes the audit file.
func (t *Trail) Close() error {
	if t == nil || t.rotator == nil {
		return nil
	}
	return t.rotator.Close()
}
