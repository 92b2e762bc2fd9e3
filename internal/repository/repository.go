// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDefinition stores a custom definition document, replacing any
// previous document with the same id for the tenant.
// Use domain.GlobalTenantID for definitions shared by every tenant.
func (r *SQLRepository) SaveDefinition(ctx context.Context, tenantID string, def *domain.ScoringDefinition) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if def == nil || def.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrInvalidInput)
	}

	stored := *def
	stored.TenantID = ""
	document, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode definition %s: %w", def.ID, err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO definitions (
			id, tenant_id, title, version, document, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			title = excluded.title,
			version = excluded.version,
			document = excluded.document,
			enabled = 1,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		def.ID, tenantID, def.Title, def.Version, string(document), now, now,
	)
	return err
}

// GetDefinition retrieves an enabled custom definition with tenant isolation.
func (r *SQLRepository) GetDefinition(ctx context.Context, tenantID string, definitionID string) (*domain.ScoringDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, document
		FROM definitions
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	var owner, document string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, definitionID).Scan(&owner, &document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeDefinition(owner, document)
}

// ListDefinitions retrieves the enabled custom definitions of a tenant.
func (r *SQLRepository) ListDefinitions(ctx context.Context, tenantID string) ([]*domain.ScoringDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, document
		FROM definitions
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`
	return r.queryDefinitions(ctx, r.rebind(query), tenantID)
}

// AllDefinitions retrieves the enabled custom definitions of every tenant.
func (r *SQLRepository) AllDefinitions(ctx context.Context) ([]*domain.ScoringDefinition, error) {
	query := `
		SELECT tenant_id, document
		FROM definitions
		WHERE enabled = 1
		ORDER BY tenant_id, id
	`
	return r.queryDefinitions(ctx, query)
}

func (r *SQLRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*domain.ScoringDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.ScoringDefinition
	for rows.Next() {
		var owner, document string
		if err := rows.Scan(&owner, &document); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(owner, document)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

func decodeDefinition(owner, document string) (*domain.ScoringDefinition, error) {
	var def domain.ScoringDefinition
	if err := json.Unmarshal([]byte(document), &def); err != nil {
		return nil, fmt.Errorf("failed to parse stored definition: %w", err)
	}
	if owner != domain.GlobalTenantID {
		def.TenantID = owner
	}
	return &def, nil
}

// DeleteDefinition soft-deletes a custom definition by setting enabled = 0.
func (r *SQLRepository) DeleteDefinition(ctx context.Context, tenantID string, definitionID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE definitions
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, definitionID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveEvaluation stores an evaluation record with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	inputs, _ := json.Marshal(eval.Inputs)
	result, err := json.Marshal(eval.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	highlights, _ := json.Marshal(eval.Highlights)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tenant_id, definition_id, definition_version, fingerprint,
			aggregate, label, severity, timestamp,
			inputs, result, highlights, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.DefinitionID, eval.DefinitionVersion, eval.Fingerprint,
		eval.Result.Aggregate, eval.Result.Band.Label, eval.Result.Band.Severity.String(), eval.Timestamp,
		string(inputs), string(result), string(highlights), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, definition_id, definition_version, fingerprint, timestamp,
			   inputs, result, highlights, metadata
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	var eval domain.Evaluation
	var inputs, result, metadata string
	var highlights sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(
		&eval.ID, &eval.TenantID, &eval.DefinitionID, &eval.DefinitionVersion, &eval.Fingerprint, &eval.Timestamp,
		&inputs, &result, &highlights, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(result), &eval.Result); err != nil {
		return nil, fmt.Errorf("failed to parse stored result: %w", err)
	}
	json.Unmarshal([]byte(inputs), &eval.Inputs)
	if highlights.Valid {
		json.Unmarshal([]byte(highlights.String), &eval.Highlights)
	}
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// SaveNote stores a note attached to a calculator.
func (r *SQLRepository) SaveNote(ctx context.Context, tenantID string, note *domain.Note) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if note.ID == "" || note.DefinitionID == "" {
		return fmt.Errorf("%w: note id and definition id are required", ErrInvalidInput)
	}

	createdAt := note.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notes (id, tenant_id, definition_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		note.ID, tenantID, note.DefinitionID, note.Body, createdAt,
	)
	return err
}

// ListNotes retrieves the notes of one calculator, newest first.
func (r *SQLRepository) ListNotes(ctx context.Context, tenantID string, definitionID string) ([]*domain.Note, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, definition_id, body, created_at
		FROM notes
		WHERE tenant_id = ? AND definition_id = ?
		ORDER BY created_at DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.TenantID, &n.DefinitionID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}

	return notes, rows.Err()
}

// RecordUsage bumps the use count of a calculator.
func (r *SQLRepository) RecordUsage(ctx context.Context, tenantID string, definitionID string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO definition_usage (tenant_id, definition_id, use_count, last_used_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(tenant_id, definition_id) DO UPDATE SET
			use_count = definition_usage.use_count + 1,
			last_used_at = excluded.last_used_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, definitionID, at.UTC())
	return err
}

// RecentUsage retrieves the most recently used calculators of a tenant.
func (r *SQLRepository) RecentUsage(ctx context.Context, tenantID string, limit int) ([]*domain.Usage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT definition_id, use_count, last_used_at
		FROM definition_usage
		WHERE tenant_id = ?
		ORDER BY last_used_at DESC, definition_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []*domain.Usage
	for rows.Next() {
		var u domain.Usage
		if err := rows.Scan(&u.DefinitionID, &u.Count, &u.LastUsedAt); err != nil {
			return nil, err
		}
		usage = append(usage, &u)
	}

	return usage, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

var _ domain.Repository = (*SQLRepository)(nil)
