package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/render"
	"github.com/opensource-clinical/clinscore/internal/rules"
)

type batchOptions struct {
	csvPath  string
	tenantID string
	limit    int
	workers  int
	verbose  bool
}

func newBatchCmd(a *app) *cobra.Command {
	opts := batchOptions{}

	cmd := &cobra.Command{
		Use:   "batch <definition-id> --csv <file>",
		Short: "Evaluate every row of a CSV file and print the band distribution",
		Long: `batch reads a CSV file whose header names the definition's fields, evaluates
every row and prints how the results spread over the definition's bands.
Empty cells are treated as missing inputs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.csvPath == "" {
				return errors.New("--csv is required")
			}

			ctx := cmd.Context()
			cat, _, err := a.openCatalog(ctx, a.cfg.Catalog, nil)
			if err != nil {
				return err
			}
			cd, ok := cat.Resolve(opts.tenantID, args[0])
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, args[0])
			}

			rows, err := readRows(opts.csvPath, opts.limit)
			if err != nil {
				return err
			}

			start := time.Now()
			dist := runBatch(ctx, cd, rows, opts.workers, func(line int, err error) {
				if opts.verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "row %d: %v\n", line, err)
				}
			})
			a.logger.Info("batch complete",
				"definition_id", cd.ID(),
				"rows", dist.Rows,
				"rejected", dist.Rejected,
				"duration_ms", time.Since(start).Milliseconds(),
			)

			def := cd.Definition()
			return a.renderer(cmd).Distribution(dist, def.Precision)
		},
	}

	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "Path to the CSV file")
	cmd.Flags().StringVarP(&opts.tenantID, "tenant", "t", "cli", "Tenant whose definitions are visible")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum rows to process (0 = all)")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "Number of concurrent workers")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print every rejected row")
	return cmd
}

// row is one CSV record keyed by header. line is the 1-based file line.
type row struct {
	line   int
	inputs map[string]any
}

func readRows(path string, limit int) ([]row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		inputs := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) && strings.TrimSpace(record[i]) != "" {
				inputs[col] = record[i]
			}
		}
		rows = append(rows, row{line: line, inputs: inputs})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func runBatch(ctx context.Context, cd *rules.CompiledDefinition, rows []row, numWorkers int, onReject func(line int, err error)) *render.Distribution {
	if numWorkers < 1 {
		numWorkers = 1
	}
	def := cd.Definition()

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		sum    float64
		dist   = &render.Distribution{
			DefinitionID: cd.ID(),
			Rows:         len(rows),
			Min:          math.Inf(1),
			Max:          math.Inf(-1),
		}
	)

	p := pool.New().WithMaxGoroutines(numWorkers)
	for _, r := range rows {
		p.Go(func() {
			result, err := cd.Evaluate(ctx, r.inputs)

			mu.Lock()
			if err != nil {
				dist.Rejected++
				mu.Unlock()
				onReject(r.line, err)
				return
			}
			dist.Scored++
			counts[result.Band.Label]++
			sum += result.Aggregate
			dist.Min = math.Min(dist.Min, result.Aggregate)
			dist.Max = math.Max(dist.Max, result.Aggregate)
			mu.Unlock()
		})
	}
	p.Wait()

	for _, b := range def.Bands {
		dist.Bands = append(dist.Bands, render.BandCount{Label: b.Label, Severity: b.Severity, Count: counts[b.Label]})
	}
	if dist.Scored > 0 {
		dist.Mean = sum / float64(dist.Scored)
	} else {
		dist.Min, dist.Max = 0, 0
	}
	return dist
}
