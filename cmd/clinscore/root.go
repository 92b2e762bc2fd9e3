package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensource-clinical/clinscore/internal/catalog"
	"github.com/opensource-clinical/clinscore/internal/config"
	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/render"
	"github.com/opensource-clinical/clinscore/internal/rules"
)

// errReported is returned after a command already printed its failure.
var errReported = errors.New("reported")

// app is the state shared by every command.
type app struct {
	v          *viper.Viper
	configPath string
	format     string
	noColor    bool

	cfg    *domain.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "clinscore",
		Short: "Data-driven clinical score evaluation",
		Long: `clinscore evaluates clinical scores (CURB-65, CHA2DS2-VASc, MELD, NEWS2 and
others) from declarative definitions. Run it as an HTTP service with "serve"
or score inputs from the terminal with "eval" and "batch".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.String("log-level", "", "Log level (debug|info|warn|error)")
	flags.String("catalog-dir", "", "Directory of additional definition documents")
	flags.StringVarP(&a.format, "format", "f", "text", "Output format (text|json)")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("catalog.dir", flags.Lookup("catalog-dir"))

	root.AddCommand(
		newServeCmd(a),
		newEvalCmd(a),
		newBatchCmd(a),
		newCatalogCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return err
	}

	// serve logs to stdout; the terminal commands keep stdout for results.
	w := cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		w = cmd.OutOrStdout()
	}
	logger, err := config.NewLogger(cfg.Logging, w)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) renderer(cmd *cobra.Command) *render.Renderer {
	colored := !a.noColor && !color.NoColor
	return render.New(cmd.OutOrStdout(), render.ParseFormat(a.format), colored)
}

func (a *app) jsonOutput() bool {
	return render.ParseFormat(a.format) == render.FormatJSON
}

// openCatalog compiles the configured definitions. repo may be nil.
func (a *app) openCatalog(ctx context.Context, cfg domain.CatalogConfig, repo domain.Repository) (*catalog.Catalog, *catalog.Loader, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	cat := catalog.New(engine, a.logger, cfg.Workers)

	loader, err := catalog.NewLoader(cfg, repo, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize catalog loader: %w", err)
	}
	if _, err := loader.Reload(ctx, cat); err != nil {
		return nil, nil, fmt.Errorf("failed to load definitions: %w", err)
	}
	return cat, loader, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clinscore %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}
