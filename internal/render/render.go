// Package render prints evaluations, field errors and catalog listings
// for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat converts a string to Format, defaulting to text.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Renderer writes in one format.
type Renderer struct {
	w       io.Writer
	format  Format
	colored bool
}

// New creates a renderer. colored only affects text output.
func New(w io.Writer, format Format, colored bool) *Renderer {
	return &Renderer{w: w, format: format, colored: colored}
}

// SeverityColor returns the color of a band severity.
func SeverityColor(s domain.Severity) *color.Color {
	switch s {
	case domain.SeverityLow:
		return color.New(color.FgGreen)
	case domain.SeverityModerate:
		return color.New(color.FgYellow)
	case domain.SeverityHigh:
		return color.New(color.FgRed)
	case domain.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.Reset)
	}
}

// FormatNumber prints v with precision decimals, or as short as possible
// when precision is zero.
func FormatNumber(v float64, precision int) string {
	if precision <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func (r *Renderer) paint(c *color.Color, s string) string {
	if !r.colored {
		return s
	}
	c.EnableColor()
	return c.Sprint(s)
}

func (r *Renderer) title(s string) {
	if r.colored {
		b := color.New(color.Bold)
		b.EnableColor()
		b.Fprintln(r.w, s)
	} else {
		fmt.Fprintln(r.w, s)
	}
	fmt.Fprintln(r.w, strings.Repeat("=", len(s)))
	fmt.Fprintln(r.w)
}

func (r *Renderer) writeJSON(data any) error {
	encoder := json.NewEncoder(r.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (r *Renderer) table(headers []string, rows [][]string, footer []string) error {
	table := tablewriter.NewTable(r.w,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
			},
			Row:    tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}},
			Footer: tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.Border{Left: tw.Off, Right: tw.Off, Top: tw.Off, Bottom: tw.Off},
			Settings: tw.Settings{
				Separators: tw.Separators{BetweenColumns: tw.Off},
			},
		}),
	)

	table.Header(headers)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if len(footer) > 0 {
		args := make([]any, len(footer))
		for i, f := range footer {
			args[i] = f
		}
		table.Footer(args...)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(r.w)
	return nil
}

// Evaluation prints the aggregate, the band and the per-rule breakdown.
func (r *Renderer) Evaluation(def *domain.ScoringDefinition, eval *domain.Evaluation) error {
	if r.format == FormatJSON {
		return r.writeJSON(eval.ToResponse())
	}

	descriptions := make(map[string]string, len(def.Rules))
	for _, rule := range def.Rules {
		descriptions[rule.ID] = rule.Description
	}

	r.title(def.Title)

	band := eval.Result.Band
	fmt.Fprintf(r.w, "Score:    %s\n", FormatNumber(eval.Result.Aggregate, def.Precision))
	fmt.Fprintf(r.w, "Band:     %s (%s)\n", r.paint(SeverityColor(band.Severity), band.Label), band.Severity)
	if band.Recommendation != "" {
		fmt.Fprintf(r.w, "Action:   %s\n", band.Recommendation)
	}
	fmt.Fprintln(r.w)

	rows := make([][]string, 0, len(eval.Result.Breakdown))
	for _, c := range eval.Result.Breakdown {
		matched := "no"
		if c.Matched {
			matched = "yes"
		}
		rows = append(rows, []string{c.RuleID, descriptions[c.RuleID], matched, FormatNumber(c.Points, def.Precision)})
	}
	footer := []string{"", "", "Total", FormatNumber(eval.Result.Aggregate, def.Precision)}
	if err := r.table([]string{"Rule", "Description", "Matched", "Points"}, rows, footer); err != nil {
		return err
	}

	for _, h := range eval.Highlights {
		fmt.Fprintf(r.w, "  * %s\n", h)
	}
	return nil
}

// FieldErrors prints every rejected input.
func (r *Renderer) FieldErrors(verr *domain.ValidationError) error {
	if r.format == FormatJSON {
		return r.writeJSON(verr)
	}

	fmt.Fprintln(r.w, r.paint(color.New(color.FgRed), fmt.Sprintf("%s: %d input(s) rejected", verr.DefinitionID, len(verr.Errors))))
	rows := make([][]string, len(verr.Errors))
	for i, fe := range verr.Errors {
		rows[i] = []string{fe.FieldID, string(fe.Kind), fe.Message}
	}
	return r.table([]string{"Field", "Kind", "Message"}, rows, nil)
}

// Definitions lists scoring definitions sorted by id.
func (r *Renderer) Definitions(defs []domain.ScoringDefinition) error {
	sorted := append([]domain.ScoringDefinition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if r.format == FormatJSON {
		return r.writeJSON(sorted)
	}

	rows := make([][]string, len(sorted))
	for i, d := range sorted {
		rows[i] = []string{d.ID, d.Title, d.Category, d.Version, strconv.Itoa(len(d.Fields)), strconv.Itoa(len(d.Rules))}
	}
	footer := []string{fmt.Sprintf("%d definitions", len(sorted)), "", "", "", "", ""}
	return r.table([]string{"ID", "Title", "Category", "Version", "Fields", "Rules"}, rows, footer)
}

// ConfigErrors prints rejected definitions. It prints nothing when errs is empty.
func (r *Renderer) ConfigErrors(errs []*domain.ConfigError) error {
	if r.format == FormatJSON {
		if errs == nil {
			errs = []*domain.ConfigError{}
		}
		return r.writeJSON(errs)
	}
	if len(errs) == 0 {
		return nil
	}

	fmt.Fprintln(r.w, r.paint(color.New(color.FgRed), fmt.Sprintf("%d definition(s) rejected", len(errs))))
	var rows [][]string
	for _, e := range errs {
		name := e.DefinitionID
		if name == "" {
			name = "-"
		}
		for _, p := range e.Problems {
			rows = append(rows, []string{e.Source, name, p})
		}
	}
	return r.table([]string{"Source", "Definition", "Problem"}, rows, nil)
}

// BandCount is the number of results that fell into one band.
type BandCount struct {
	Label    string          `json:"label"`
	Severity domain.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// Distribution summarises a batch of evaluations of one definition.
type Distribution struct {
	DefinitionID string      `json:"definitionId"`
	Rows         int         `json:"rows"`
	Scored       int         `json:"scored"`
	Rejected     int         `json:"rejected"`
	Bands        []BandCount `json:"bands"`
	Mean         float64     `json:"mean"`
	Min          float64     `json:"min"`
	Max          float64     `json:"max"`
}

// Distribution prints how a batch spread over the bands.
func (r *Renderer) Distribution(d *Distribution, precision int) error {
	if r.format == FormatJSON {
		return r.writeJSON(d)
	}

	r.title(fmt.Sprintf("%s: %d rows", d.DefinitionID, d.Rows))

	rows := make([][]string, len(d.Bands))
	for i, b := range d.Bands {
		share := 0.0
		if d.Scored > 0 {
			share = float64(b.Count) * 100 / float64(d.Scored)
		}
		rows[i] = []string{
			r.paint(SeverityColor(b.Severity), b.Label),
			b.Severity.String(),
			strconv.Itoa(b.Count),
			fmt.Sprintf("%.1f%%", share),
		}
	}
	footer := []string{"Scored", "", strconv.Itoa(d.Scored), ""}
	if err := r.table([]string{"Band", "Severity", "Count", "Share"}, rows, footer); err != nil {
		return err
	}

	if d.Scored > 0 {
		fmt.Fprintf(r.w, "Score: mean %s, min %s, max %s\n",
			FormatNumber(d.Mean, max(precision, 2)), FormatNumber(d.Min, precision), FormatNumber(d.Max, precision))
	}
	if d.Rejected > 0 {
		fmt.Fprintln(r.w, r.paint(color.New(color.FgYellow), fmt.Sprintf("%d row(s) rejected", d.Rejected)))
	}
	return nil
}
