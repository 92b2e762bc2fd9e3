package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/evaluation"
)

func newEvalCmd(a *app) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "eval <definition-id> [field=value ...]",
		Short: "Evaluate one score from field=value inputs",
		Example: `  clinscore eval curb-65 confusion=yes urea=no age_65=true
  clinscore eval bmi weight=70 height=175 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputs(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cat, _, err := a.openCatalog(ctx, a.cfg.Catalog, nil)
			if err != nil {
				return err
			}

			svc := evaluation.NewService(cat, nil, nil, a.cfg.Evaluation, a.logger)
			eval, err := svc.Evaluate(ctx, &evaluation.Request{
				TenantID:     tenantID,
				DefinitionID: args[0],
				Inputs:       inputs,
			})

			r := a.renderer(cmd)
			var verr *domain.ValidationError
			switch {
			case errors.As(err, &verr):
				if rerr := r.FieldErrors(verr); rerr != nil {
					return rerr
				}
				return errReported
			case err != nil:
				return err
			}

			cd, _ := cat.Resolve(tenantID, args[0])
			def := cd.Definition()
			return r.Evaluation(&def, eval)
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "cli", "Tenant whose definitions are visible")
	return cmd
}

// parseInputs turns field=value arguments into raw inputs. Values stay
// strings; the definition's field schema coerces them.
func parseInputs(args []string) (map[string]any, error) {
	inputs := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected field=value", arg)
		}
		if _, dup := inputs[key]; dup {
			return nil, fmt.Errorf("input %q given more than once", key)
		}
		inputs[key] = value
	}
	return inputs, nil
}
