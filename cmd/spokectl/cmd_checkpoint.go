package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-sys/spokectl/internal/checkpoint"
	"github.com/meridian-sys/spokectl/internal/output"
	"github.com/meridian-sys/spokectl/internal/state"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and manage phase checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <instance>",
	Short: "List completed phases for an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cps, err := a.checkpoints.ListCompleted(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			a.printer.Info("No checkpoints for %s", args[0])
			return nil
		}

		table := output.NewTable([]string{"Phase", "Completed", "Duration", "Snapshot Files"}, flagQuiet)
		for _, cp := range cps {
			table.AddRow([]string{
				cp.Phase.String(),
				cp.CreatedAt.Local().Format(time.RFC3339),
				cp.Duration.Round(time.Millisecond).String(),
				fmt.Sprintf("%d", len(cp.Manifest)),
			})
		}
		table.Render()

		next, err := a.checkpoints.NextPhase(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if next == "" {
			a.printer.Success("All phases complete")
		} else {
			a.printer.Info("Next phase: %s", next)
		}
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <instance> [phase]",
	Short: "Delete checkpoints (all, or a single phase)",
	Long: `Deletes the given phase's checkpoint, or every checkpoint of the
instance when no phase is named. Destructive: requires --confirm with
the instance code. Resume is impossible for cleared phases.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetString("confirm")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		instance := args[0]
		if len(args) == 2 {
			err = a.checkpoints.ClearPhase(cmd.Context(), instance, args[1], confirm)
		} else {
			err = a.checkpoints.ClearAll(cmd.Context(), instance, confirm)
		}
		if err != nil {
			if errors.Is(err, checkpoint.ErrConfirmationRequired) {
				return fmt.Errorf("clear is destructive: re-run with --confirm %s", instance)
			}
			return err
		}
		a.printer.Success("Checkpoints cleared for %s", instance)
		return nil
	},
}

var checkpointValidateCmd = &cobra.Command{
	Use:   "validate <instance>",
	Short: "Check that completed phases form a clean prefix of the phase order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.checkpoints.ValidateState(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if res.OK {
			a.printer.Success("Checkpoint state for %s is consistent", args[0])
			return nil
		}
		for _, v := range res.Violations {
			a.printer.Warning("%s", v)
		}
		return fmt.Errorf("checkpoint state for %s is inconsistent (%d violations)", args[0], len(res.Violations))
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <instance>",
	Short: "Emit the instance deployment report as JSON",
	Long: `Prints the stable JSON report other tooling consumes: instance code,
deployment type, resumability, and per-phase completion times.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withSteps, _ := cmd.Flags().GetBool("steps")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		inst, err := a.requireInstance(args[0])
		if err != nil {
			return err
		}
		rep, err := a.checkpoints.BuildReport(cmd.Context(), args[0], inst.Type)
		if err != nil {
			return err
		}

		// The bare report shape is stable; per-attempt history is
		// opt-in so consumers parsing the default output never see it.
		out := struct {
			*checkpoint.Report
			Steps []state.Step `json:"steps,omitempty"`
		}{Report: rep}
		if withSteps {
			out.Steps, err = a.states.Steps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
	checkpointCmd.AddCommand(checkpointValidateCmd)
	checkpointClearCmd.Flags().String("confirm", "", "Instance code, repeated, to confirm the destructive clear.")
	reportCmd.Flags().Bool("steps", false, "Include per-attempt step history in the report.")
}
