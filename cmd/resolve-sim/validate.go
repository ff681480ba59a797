package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/resolve-sim/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and check the configuration, topology and scenario catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadAssets()
			if err != nil {
				return err
			}
			books, err := scenario.Runbooks()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "topology: %d services\n", rt.topo.Len())
			for _, svc := range rt.topo.Services() {
				deps := rt.topo.DependentsOf(svc.Name)
				fmt.Fprintf(w, "  %-22s dependents: %s\n", svc.Name, strings.Join(deps, ", "))
			}
			fmt.Fprintf(w, "catalog: %d scenarios\n", len(rt.catalog.Kinds()))
			for _, k := range rt.catalog.Kinds() {
				def, _ := rt.catalog.Get(k)
				fmt.Fprintf(w, "  %-18s origin %-22s alert %s\n", k, def.Origin, def.Alert.Condition())
			}
			fmt.Fprintf(w, "runbooks: %d\nsink: %s\n", len(books), rt.cfg.Sink.Kind)
			return nil
		},
	}
}
