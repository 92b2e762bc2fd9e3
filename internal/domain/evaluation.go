package domain

import (
	"time"
)

// Result is the outcome of one evaluation. It carries no ids or
// timestamps, so identical inputs always produce an identical Result.
type Result struct {
	DefinitionID string         `json:"definitionId"`
	Version      string         `json:"version,omitempty"`
	Aggregate    float64        `json:"aggregate"`
	Band         Band           `json:"band"`
	Breakdown    []Contribution `json:"breakdown"`
}

// Contribution records how one rule contributed to the aggregate.
type Contribution struct {
	RuleID  string  `json:"ruleId"`
	Matched bool    `json:"matched"`
	Points  float64 `json:"points"`
}

// Total returns the sum of all contributions.
func (r *Result) Total() float64 {
	var total float64
	for _, c := range r.Breakdown {
		total += c.Points
	}
	return total
}

// Evaluation is the audit envelope around a Result.
type Evaluation struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion string         `json:"definitionVersion,omitempty"`
	Inputs            map[string]any `json:"inputs"`
	Fingerprint       string         `json:"fingerprint"`
	Result            Result         `json:"result"`
	Highlights        []string       `json:"highlights,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	EvaluateMs     int64  `json:"evaluateMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	Cached         bool   `json:"cached"`
	EngineVersion  string `json:"engineVersion"`
}

// EvaluationResponse is the API view of an evaluation.
type EvaluationResponse struct {
	EvaluationID   string             `json:"evaluationId"`
	DefinitionID   string             `json:"definitionId"`
	TenantID       string             `json:"tenantId"`
	Aggregate      float64            `json:"aggregate"`
	Label          string             `json:"label"`
	Severity       Severity           `json:"severity"`
	Recommendation string             `json:"recommendation,omitempty"`
	Breakdown      []Contribution     `json:"breakdown"`
	Highlights     []string           `json:"highlights,omitempty"`
	Metadata       EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an Evaluation to an API response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	return &EvaluationResponse{
		EvaluationID:   e.ID,
		DefinitionID:   e.DefinitionID,
		TenantID:       e.TenantID,
		Aggregate:      e.Result.Aggregate,
		Label:          e.Result.Band.Label,
		Severity:       e.Result.Band.Severity,
		Recommendation: e.Result.Band.Recommendation,
		Breakdown:      e.Result.Breakdown,
		Highlights:     e.Highlights,
		Metadata:       e.Metadata,
	}
}

// Note is free text a user attached to a calculator.
type Note struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	DefinitionID string    `json:"definitionId"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Usage is the recent-usage record of one calculator.
type Usage struct {
	DefinitionID string    `json:"definitionId"`
	Count        int64     `json:"count"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}
