package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate scoring definitions",
	}
	cmd.AddCommand(newCatalogListCmd(a), newCatalogValidateCmd(a))
	return cmd
}

func newCatalogListCmd(a *app) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := a.openCatalog(cmd.Context(), a.cfg.Catalog, nil)
			if err != nil {
				return err
			}

			compiled := cat.ListFor(tenantID)
			defs := make([]domain.ScoringDefinition, len(compiled))
			for i, cd := range compiled {
				defs[i] = cd.Definition()
			}

			r := a.renderer(cmd)
			if err := r.Definitions(defs); err != nil {
				return err
			}
			if !a.jsonOutput() {
				return r.ConfigErrors(cat.Rejected())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "cli", "Tenant whose definitions are visible")
	return cmd
}

func newCatalogValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate definition documents",
		Long: `validate compiles every definition document and reports all problems.
With a directory argument only that directory is checked; otherwise the
configured sources are. The exit status is non-zero when any definition
is rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Catalog
			if len(args) == 1 {
				cfg.Bundled = false
				cfg.Dir = args[0]
			}

			cat, _, err := a.openCatalog(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}

			rejected := cat.Rejected()
			r := a.renderer(cmd)
			if err := r.ConfigErrors(rejected); err != nil {
				return err
			}
			if !a.jsonOutput() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d definition(s) valid, %d rejected\n", cat.Count(), len(rejected))
			}
			if len(rejected) > 0 {
				return errReported
			}
			return nil
		},
	}
}
