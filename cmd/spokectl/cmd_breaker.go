package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-sys/spokectl/internal/output"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and manage circuit breakers",
	Long: `Circuit breakers guard the downstream dependencies phases call out
to. They are shared across instances: an OPEN keycloak-admin breaker
rejects Keycloak calls from every pipeline until its retry window
elapses.`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every known breaker",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.breakers.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			a.printer.Info("No breakers recorded yet")
			return nil
		}

		table := output.NewTable([]string{"Operation", "State", "Failures", "Opened", "Retry After"}, flagQuiet)
		for _, rec := range records {
			opened, retryAfter := "-", "-"
			if !rec.OpenedAt.IsZero() {
				opened = rec.OpenedAt.Local().Format(time.RFC3339)
			}
			if !rec.RetryAfter.IsZero() {
				retryAfter = rec.RetryAfter.Local().Format(time.RFC3339)
			}
			table.AddRow([]string{
				rec.OperationName,
				a.printer.StateBadge(string(rec.State)),
				fmt.Sprintf("%d", rec.FailureCount),
				opened,
				retryAfter,
			})
		}
		table.Render()
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <operation>",
	Short: "Force a breaker back to CLOSED",
	Long: `Resets one breaker to CLOSED with a zero failure count. Use after
fixing the underlying dependency; the breaker will re-open on its own
if the dependency is still failing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.breakers.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		a.printer.Success("Breaker %s reset to CLOSED", args[0])
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)
}
