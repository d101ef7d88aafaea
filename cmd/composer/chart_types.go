package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cozy-insight/composer/internal/render"
)

func newChartTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chart-types",
		Short: "List the built-in chart types and their slots",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			name := color.New(color.FgCyan, color.Bold)
			required := color.New(color.FgYellow)

			for _, reg := range render.NewBuiltinRegistry().Registrations() {
				name.Fprintln(out, reg.ChartType)
				for _, slot := range reg.Slots {
					roles := make([]string, 0, 2)
					for _, r := range slot.Allowed.Roles() {
						roles = append(roles, r.String())
					}
					fmt.Fprintf(out, "  %-12s %-20s %-4s ", slot.ID, strings.Join(roles, "|"), slot.Cardinality)
					if slot.Required {
						required.Fprint(out, "required")
					} else {
						fmt.Fprint(out, "optional")
					}
					fmt.Fprintln(out)
				}
			}
		},
	}
}
