package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-sys/spokectl/internal/checkpoint"
	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/pipeline"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <instance>",
	Short: "Run the full deployment pipeline for an instance",
	Long: `Runs every phase in order for the given instance. Phases already
checkpointed as complete are skipped, so deploy doubles as resume after
an interruption.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <instance>",
	Short: "Resume an interrupted deployment from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		canResume, err := a.checkpoints.CanResume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !canResume {
			return fmt.Errorf("instance %s has nothing to resume: no checkpoints, or already complete", args[0])
		}
		next, err := a.checkpoints.NextPhase(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		a.printer.Info("Resuming %s from phase %s", args[0], next)
		return deploy(cmd, a, args[0])
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <instance> <phase>",
	Short: "Force a rollback to the checkpoint of a completed phase",
	Long: `Verifies and restores the config snapshot taken when the given phase
completed, stops running services, and records the rollback transition.
This is the manual counterpart to the automatic rollback the pipeline
performs on fatal failures.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		instance := args[0]
		if _, err := a.requireInstance(instance); err != nil {
			return err
		}
		p, err := phase.Parse(args[1])
		if err != nil {
			return err
		}

		runner, err := newServiceRunner(a)
		if err != nil {
			return err
		}
		err = a.checkpoints.Restore(cmd.Context(), instance, p,
			checkpoint.StrategyConfigAndStop, runner, "operator rollback")
		if err != nil {
			return err
		}
		a.printer.Success("Rolled %s back to checkpoint %s", instance, p)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <instance>",
	Short: "Clear a failed instance so its phases can run again",
	Long: `Clears every checkpoint of a FAILED or ROLLED_BACK instance and
rewinds its state so a new deploy starts from scratch. Destructive:
requires --confirm with the instance code.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetString("confirm")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.requireInstance(args[0]); err != nil {
			return err
		}
		exec, err := a.executor()
		if err != nil {
			return err
		}
		if err := exec.Reset(cmd.Context(), args[0], confirm); err != nil {
			if errors.Is(err, checkpoint.ErrConfirmationRequired) {
				return fmt.Errorf("reset is destructive: re-run with --confirm %s", args[0])
			}
			return err
		}
		a.printer.Success("Instance %s reset, ready for a fresh deploy", args[0])
		return nil
	},
}

func init() {
	resetCmd.Flags().String("confirm", "", "Instance code, repeated, to confirm the destructive reset.")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return deploy(cmd, a, args[0])
}

func deploy(cmd *cobra.Command, a *app, instance string) error {
	inst, err := a.requireInstance(instance)
	if err != nil {
		return err
	}

	exec, err := a.executor()
	if err != nil {
		return err
	}

	a.printer.Header(fmt.Sprintf("Deploying %s (%s)", instance, inst.Type))
	err = exec.Run(cmd.Context(), instance, inst.Mode)
	if err == nil {
		a.printer.Success("Deployment of %s complete", instance)
		return nil
	}

	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		a.printer.Error("Phase %s failed (severity %d): %v",
			runErr.Phase, runErr.Verdict.Severity, runErr.Err)
		if runErr.Verdict.Remediation != "" {
			a.printer.Info("Remediation: %s", runErr.Verdict.Remediation)
		}
		a.printer.Info("Instance state: %s", a.printer.StateBadge(runErr.FinalState))
		if runErr.CanResume {
			a.printer.Info("Checkpoints are intact for inspection ('spokectl checkpoint list %s', 'spokectl report %s')", instance, instance)
		}
		a.printer.Info("Run 'spokectl reset %s --confirm %s' to deploy again", instance, instance)
	}
	return err
}
