package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"listing-bot/internal/errors"
	"listing-bot/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var (
		params  []string
		queued  bool
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "run <operation>",
		Short: "Execute one operation and print its result",
		Example: `  bot run daily-summary
  bot run expiry-warning -p days=3 --queue
  bot run property-cleanup -p inactive_days=60 --preview`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			if queued {
				parsed[orchestrator.OptQueue] = "true"
			}
			if preview {
				parsed[orchestrator.OptPreview] = "true"
			}

			a, err := newApp(cmd.Context(), cfgFile, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := a.orch.Execute(cmd.Context(), args[0], parsed)
			if out.ExitCode != 0 {
				if out.Err == nil {
					out.Err = errors.Newf("%s failed", args[0])
				}
				return &exitError{code: out.ExitCode, err: out.Err}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "operation parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&queued, "queue", false, "dispatch work as background jobs")
	cmd.Flags().BoolVar(&preview, "preview", false, "report what would happen without side effects")
	return cmd
}

func parseParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw)+2)
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, errors.WithHint(errors.Newf("malformed parameter %q", kv), "use -p key=value")
		}
		out[k] = v
	}
	return out, nil
}
