package catalog

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/metrics"
)

//go:embed definitions/*.yaml
var bundled embed.FS

//go:embed schema/definition.schema.json
var schemaDocument []byte

const (
	schemaURL      = "https://clinscore.dev/schemas/definition.json"
	bundledPattern = "definitions/*.yaml"

	// DefaultPattern matches definition documents inside a directory.
	DefaultPattern = "**/*.{yaml,yml,json}"

	sourceRepository = "repository"
)

// Parser decodes and schema-checks definition documents.
type Parser struct {
	schema *jsonschema.Schema
}

// NewParser compiles the embedded definition schema.
func NewParser() (*Parser, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
	if err != nil {
		return nil, fmt.Errorf("failed to decode definition schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add definition schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}
	return &Parser{schema: sch}, nil
}

// Parse decodes one YAML or JSON document. Schema violations are returned
// as a *domain.ConfigError naming source.
func (p *Parser) Parse(source string, data []byte) (*domain.ScoringDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ConfigError{Source: source, Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	if raw == nil {
		return nil, &domain.ConfigError{Source: source, Problems: []string{"empty document"}}
	}

	// Normalise YAML into JSON so the schema and the decoder see the same data.
	normalised, err := json.Marshal(raw)
	if err != nil {
		return nil, &domain.ConfigError{Source: source, Problems: []string{fmt.Sprintf("normalise: %v", err)}}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalised))
	if err != nil {
		return nil, &domain.ConfigError{Source: source, Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	if err := p.schema.Validate(inst); err != nil {
		cerr := &domain.ConfigError{Source: source, Problems: schemaProblems(err)}
		if m, ok := raw.(map[string]any); ok {
			cerr.DefinitionID, _ = m["id"].(string)
		}
		return nil, cerr
	}

	var def domain.ScoringDefinition
	if err := json.Unmarshal(normalised, &def); err != nil {
		return nil, &domain.ConfigError{Source: source, Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	return &def, nil
}

// schemaProblems flattens a schema error into one message per line.
func schemaProblems(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	for i, line := range strings.Split(ve.Error(), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			continue
		}
		out = append(out, "schema: "+strings.TrimPrefix(line, "- "))
	}
	if len(out) == 0 {
		out = []string{"schema: " + ve.Error()}
	}
	return out
}

// Loader gathers definitions from every configured source.
// Later sources override earlier ones: bundled, then Dir, then the repository.
type Loader struct {
	parser *Parser
	cfg    domain.CatalogConfig
	repo   domain.Repository
	logger *slog.Logger

	bundledOnce sync.Once
	bundledIDs  map[string]bool
}

// NewLoader creates a loader. repo may be nil.
func NewLoader(cfg domain.CatalogConfig, repo domain.Repository, logger *slog.Logger) (*Loader, error) {
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{parser: parser, cfg: cfg, repo: repo, logger: logger}, nil
}

// Parser returns the loader's document parser.
func (l *Loader) Parser() *Parser {
	return l.parser
}

// Dir returns the watched definition directory, empty when unset.
func (l *Loader) Dir() string {
	return l.cfg.Dir
}

// IsBundled reports whether id names one of the definitions shipped in
// the binary. It is always false when bundled definitions are disabled.
func (l *Loader) IsBundled(id string) bool {
	if !l.cfg.Bundled {
		return false
	}
	l.bundledOnce.Do(func() {
		l.bundledIDs = make(map[string]bool)
		docs, _, err := l.readFS(bundled, bundledPattern, "bundled:")
		if err != nil {
			l.logger.Error("failed to read bundled definitions", "error", err)
			return
		}
		for _, doc := range docs {
			l.bundledIDs[doc.def.ID] = true
		}
	})
	return l.bundledIDs[id]
}

type document struct {
	source string
	def    *domain.ScoringDefinition
}

// Definitions reads every source and merges them by precedence.
// Documents that fail to decode are returned as rejections; an unreadable
// source is an error.
func (l *Loader) Definitions(ctx context.Context) ([]*domain.ScoringDefinition, []*domain.ConfigError, error) {
	var layers [][]document
	var rejected []*domain.ConfigError

	if l.cfg.Bundled {
		docs, errs, err := l.readFS(bundled, bundledPattern, "bundled:")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read bundled definitions: %w", err)
		}
		layers = append(layers, docs)
		rejected = append(rejected, errs...)
	}

	if l.cfg.Dir != "" {
		docs, errs, err := l.readFS(os.DirFS(l.cfg.Dir), l.cfg.Pattern, l.cfg.Dir+string(os.PathSeparator))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read definitions from %s: %w", l.cfg.Dir, err)
		}
		layers = append(layers, docs)
		rejected = append(rejected, errs...)
	}

	if l.repo != nil {
		defs, err := l.repo.AllDefinitions(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list stored definitions: %w", err)
		}
		docs := make([]document, len(defs))
		for i, def := range defs {
			docs[i] = document{source: sourceRepository, def: def}
		}
		layers = append(layers, docs)
	}

	defs, dups := merge(layers)
	return defs, append(rejected, dups...), nil
}

func (l *Loader) readFS(fsys fs.FS, pattern, prefix string) ([]document, []*domain.ConfigError, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(matches)

	var docs []document
	var rejected []*domain.ConfigError
	for _, name := range matches {
		source := prefix + name
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, nil, err
		}
		def, err := l.parser.Parse(source, data)
		if err != nil {
			rejected = append(rejected, asSourceError(source, err))
			continue
		}
		docs = append(docs, document{source: source, def: def})
	}

	l.logger.Debug("definition documents read", "source", strings.TrimSuffix(prefix, ":"), "documents", len(matches))
	return docs, rejected, nil
}

// merge flattens layers by scope key. Within one layer a repeated id is
// rejected; across layers the later one wins.
func merge(layers [][]document) ([]*domain.ScoringDefinition, []*domain.ConfigError) {
	index := make(map[string]int)
	var out []document
	var rejected []*domain.ConfigError

	for _, layer := range layers {
		seen := make(map[string]string)
		for _, doc := range layer {
			key := scopeKey(doc.def.TenantID, doc.def.ID)
			if prev, dup := seen[key]; dup {
				rejected = append(rejected, &domain.ConfigError{
					DefinitionID: doc.def.ID,
					Source:       doc.source,
					Problems:     []string{fmt.Sprintf("duplicate definition id, already defined in %s", prev)},
				})
				continue
			}
			seen[key] = doc.source

			if i, ok := index[key]; ok {
				out[i] = doc
				continue
			}
			index[key] = len(out)
			out = append(out, doc)
		}
	}

	defs := make([]*domain.ScoringDefinition, len(out))
	for i, doc := range out {
		defs[i] = doc.def
	}
	return defs, rejected
}

// Reload reads every source and swaps the catalog's active set.
// When a source cannot be read the catalog keeps its current definitions.
func (l *Loader) Reload(ctx context.Context, cat *Catalog) (domain.CatalogEvent, error) {
	defs, rejected, err := l.Definitions(ctx)
	if err != nil {
		metrics.CatalogReloads.WithLabelValues("error").Inc()
		return domain.CatalogEvent{}, err
	}

	for _, r := range rejected {
		l.logger.Warn("definition document rejected",
			"source", r.Source,
			"definition_id", r.DefinitionID,
			"problems", r.Problems,
		)
	}

	cat.Load(ctx, defs)
	cat.addRejected(rejected)
	metrics.CatalogReloads.WithLabelValues("ok").Inc()

	event := domain.CatalogEvent{Loaded: cat.Count()}
	for _, r := range cat.Rejected() {
		event.Rejected = append(event.Rejected, r.Error())
	}
	return event, nil
}

func asSourceError(source string, err error) *domain.ConfigError {
	var cerr *domain.ConfigError
	if errors.As(err, &cerr) {
		if cerr.Source == "" {
			cerr.Source = source
		}
		return cerr
	}
	return &domain.ConfigError{Source: source, Problems: []string{err.Error()}}
}
