package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
)

type ingestOutcome struct {
	Index      int     `json:"index"`
	ActivityID string  `json:"activity_id,omitempty"`
	EmissionKg float64 `json:"emission_kg"`
	Error      string  `json:"error,omitempty"`
}

func (a *app) ingestCmd() *cobra.Command {
	var externalField string
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest activity payloads from a JSON file or stdin",
		Long:  "Reads one activity object or an array of them from file (or stdin when file is omitted or \"-\") and runs each through the ingestion pipeline.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payloads, err := readPayloads(in)
			if err != nil {
				return err
			}

			backend, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var opts []ingest.IngestOption
			if externalField != "" {
				opts = append(opts, ingest.WithExternalID(externalField))
			}

			outcomes := make([]ingestOutcome, 0, len(payloads))
			failed := 0
			for i, raw := range payloads {
				res, err := backend.Pipeline.Ingest(cmd.Context(), raw, opts...)
				outcome := ingestOutcome{Index: i, ActivityID: res.ActivityID, EmissionKg: res.EmissionKg}
				if err != nil {
					outcome.Error = err.Error()
					failed++
				}
				outcomes = append(outcomes, outcome)
			}

			rows := make([][]string, 0, len(outcomes))
			for _, o := range outcomes {
				status := "ok"
				if o.Error != "" {
					status = o.Error
				}
				rows = append(rows, []string{fmt.Sprint(o.Index), o.ActivityID, formatKg(o.EmissionKg), status})
			}
			if err := a.output(cmd.OutOrStdout()).render(outcomes, []string{"#", "Activity ID", "Emission (kg)", "Status"}, rows, "No payloads."); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d payloads failed", failed, len(payloads))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&externalField, "external-id", "", "Metadata field to deduplicate on, e.g. gmail_message_id")
	return cmd
}

// readPayloads accepts a single JSON object or an array of objects.
func readPayloads(r io.Reader) ([]domain.RawPayload, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("no input")
	}
	if body[0] == '[' {
		var payloads []domain.RawPayload
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, fmt.Errorf("decode payloads: %w", err)
		}
		return payloads, nil
	}
	var payload domain.RawPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return []domain.RawPayload{payload}, nil
}
