package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"example.com/carbonlens/internal/domain"
)

func (a *app) syncCmd() *cobra.Command {
	var (
		user       string
		since      time.Duration
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "sync <provider>",
		Short: "Import recent provider events for a user",
		Long:  "Runs one provider sync for --user over the trailing --since window. Provider is one of gmail, outlook, google_meet, microsoft_teams, google_drive, onedrive.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if since <= 0 {
				return fmt.Errorf("--since must be positive")
			}
			backend, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := backend.Engine.Sync(cmd.Context(), domain.Provider(args[0]), user, since, maxResults)
			if err != nil {
				return err
			}

			passes := make([]string, 0, len(summary.Passes))
			for name := range summary.Passes {
				passes = append(passes, name)
			}
			sort.Strings(passes)
			rows := make([][]string, 0, len(passes)+1)
			for _, name := range passes {
				p := summary.Passes[name]
				rows = append(rows, []string{name, fmt.Sprint(p.Found), fmt.Sprint(p.Processed), fmt.Sprint(p.Skipped)})
			}
			rows = append(rows, []string{"total", fmt.Sprint(summary.Found), fmt.Sprint(summary.Processed), fmt.Sprint(summary.Skipped)})
			return a.output(cmd.OutOrStdout()).render(summary, []string{"Pass", "Found", "Processed", "Skipped"}, rows, "")
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User id or email owning the provider credential")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Trailing window to import")
	cmd.Flags().IntVar(&maxResults, "max-results", 100, "Maximum events per pass")
	return cmd
}

func (a *app) totalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "totals <identity>",
		Short: "Show accumulated emission totals for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			totals, err := backend.Pipeline.UserTotals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := struct {
				Identity        string    `json:"identity"`
				UserID          string    `json:"user_id,omitempty"`
				Email           string    `json:"email,omitempty"`
				TotalEmissionKg float64   `json:"total_emission_kg"`
				ActivityCount   int64     `json:"activity_count"`
				LastActivityAt  time.Time `json:"last_activity_at"`
			}{totals.Identity, totals.UserID, totals.Email, totals.TotalEmissionKg, totals.ActivityCount, totals.LastActivityAt}
			rows := [][]string{{
				totals.Identity,
				formatKg(totals.TotalEmissionKg),
				fmt.Sprint(totals.ActivityCount),
				formatTime(totals.LastActivityAt),
			}}
			return a.output(cmd.OutOrStdout()).render(view, []string{"Identity", "Total (kg)", "Activities", "Last Activity"}, rows, "")
		},
	}
}
