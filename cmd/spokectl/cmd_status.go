package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-sys/spokectl/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status [instance]",
	Short: "Show deployment state for one or all instances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hubView, _ := cmd.Flags().GetBool("hub")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if hubView {
			return hubStatus(cmd, a)
		}
		if len(args) == 1 {
			return instanceStatus(cmd, a, args[0])
		}

		table := output.NewTable([]string{"Instance", "Type", "State", "Updated"}, flagQuiet)
		for _, inst := range a.cfg.Instances {
			row, err := a.states.Get(cmd.Context(), inst.Code)
			if err != nil {
				return err
			}
			st, updated := "UNKNOWN", "-"
			if row != nil {
				st = row.State
				updated = row.UpdatedAt.Local().Format(time.RFC3339)
			}
			table.AddRow([]string{inst.Code, inst.Type, a.printer.StateBadge(st), updated})
		}
		table.Render()
		return nil
	},
}

func instanceStatus(cmd *cobra.Command, a *app, instance string) error {
	st, err := a.states.GetState(cmd.Context(), instance)
	if err != nil {
		return err
	}
	a.printer.Print("State: %s", a.printer.StateBadge(st))

	if d, err := a.states.Duration(cmd.Context(), instance); err == nil {
		a.printer.Print("Duration: %s", d.Round(time.Second))
	}
	if next, err := a.checkpoints.NextPhase(cmd.Context(), instance); err == nil && next != "" {
		a.printer.Print("Next phase: %s", next)
	}

	transitions, err := a.states.Transitions(cmd.Context(), instance)
	if err != nil {
		return err
	}
	if len(transitions) > 0 {
		a.printer.Header("Transitions")
		table := output.NewTable([]string{"From", "To", "Reason", "At"}, flagQuiet)
		for _, t := range transitions {
			table.AddRow([]string{
				t.FromState,
				t.ToState,
				t.Reason,
				t.OccurredAt.Local().Format(time.RFC3339),
			})
		}
		table.Render()
	}

	steps, err := a.states.Steps(cmd.Context(), instance)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	if len(steps) > recentSteps {
		steps = steps[len(steps)-recentSteps:]
	}
	a.printer.Header("Recent Steps")
	stepTable := output.NewTable([]string{"Phase", "Status", "Took", "Error"}, flagQuiet)
	for _, s := range steps {
		errMsg := s.Error
		if errMsg == "" {
			errMsg = "-"
		}
		// Non-terminal rows (a live attempt, or one that died mid-phase)
		// have no finish time yet.
		took := "-"
		if !s.FinishedAt.IsZero() {
			took = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		stepTable.AddRow([]string{
			s.Phase.String(),
			string(s.Status),
			took,
			errMsg,
		})
	}
	stepTable.Render()
	return nil
}

// recentSteps bounds the step history tail shown by status.
const recentSteps = 10

// hubStatus shows the federation hub's view: its health, the states it
// holds, and any detected drift.
func hubStatus(cmd *cobra.Command, a *app) error {
	if a.hub == nil {
		a.printer.Error("No hub URL configured")
		return nil
	}

	h, err := a.hub.Health(cmd.Context())
	if err != nil {
		return err
	}
	a.printer.Print("Hub: %s", a.printer.StateBadge(h.Status))

	states, err := a.hub.States(cmd.Context())
	if err != nil {
		return err
	}
	table := output.NewTable([]string{"Instance", "State", "Updated"}, flagQuiet)
	for _, s := range states {
		table.AddRow([]string{s.InstanceCode, a.printer.StateBadge(s.State), s.UpdatedAt.Local().Format(time.RFC3339)})
	}
	table.Render()

	drift, err := a.hub.Drift(cmd.Context())
	if err != nil {
		return err
	}
	if len(drift) == 0 {
		a.printer.Success("No drift detected")
		return nil
	}
	a.printer.Header("Drift")
	dt := output.NewTable([]string{"Instance", "Field", "Expected", "Actual"}, flagQuiet)
	for _, d := range drift {
		dt.AddRow([]string{d.InstanceCode, d.Field, d.Expected, d.Actual})
	}
	dt.Render()
	return nil
}

func init() {
	statusCmd.Flags().Bool("hub", false, "Query the federation hub instead of local state.")
}
