package cli

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"example.com/carbonlens/internal/emissions"
)

func (a *app) coefficientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coefficients",
		Short: "List the emission coefficients used by the calculator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := emissions.CoefficientTable()
			groups := make([]string, 0, len(table))
			for group := range table {
				groups = append(groups, group)
			}
			sort.Strings(groups)

			var rows [][]string
			for _, group := range groups {
				names := make([]string, 0, len(table[group]))
				for name := range table[group] {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					rows = append(rows, []string{group, name, strconv.FormatFloat(table[group][name], 'g', -1, 64)})
				}
			}
			return a.output(cmd.OutOrStdout()).render(table, []string{"Group", "Coefficient", "Value"}, rows, "No coefficients.")
		},
	}
}
