package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/journal"

	"github.com/spf13/cobra"
)

func outcomesCmd() *cobra.Command {
	var (
		limit      int
		failedOnly bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List recent relay outcomes from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is disabled (journal.enabled=false)")
			}

			j, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			outcomes, err := j.Recent(cmd.Context(), limit, failedOnly)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(outcomes)
			}
			if len(outcomes) == 0 {
				fmt.Println("No outcomes recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tDECISION\tSTATE\tSENDER\tCHAT\tLATENCY\tERROR")
			for _, o := range outcomes {
				errText := o.ErrorKind
				if o.Error != "" {
					errText = o.ErrorKind + ": " + o.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					o.CreatedAt.Local().Format(time.DateTime),
					o.Decision, o.State, o.SenderID, o.ChatID,
					o.Latency.Round(time.Millisecond), errText)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of outcomes to show")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "show failed outcomes only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
