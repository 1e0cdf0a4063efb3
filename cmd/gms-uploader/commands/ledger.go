package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

func installLedgerCmd(app *App) (*cobra.Command, error) {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the pseudonymous identifier ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Validate the ledger and print its state",
		Long: `Validate the ledger and print its state.

A ledger which breaks an invariant is reported invalid and blocks every upload until the file is fixed.
A missing ledger is created empty when its directory exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ledgerStatusRun(cmd.OutOrStdout())
		},
	}

	nextCmd := &cobra.Command{
		Use:   "next [COUNT]",
		Short: "Print the next identifiers without recording them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 1 {
					return fmt.Errorf("invalid count %q: must be a positive integer", args[0])
				}
				n = v
			}
			return app.ledgerNextRun(cmd.OutOrStdout(), n)
		},
	}

	ledgerCmd.AddCommand(statusCmd, nextCmd)
	app.cmd.AddCommand(ledgerCmd)
	return ledgerCmd, nil
}

// ledgerStatusRun runs the ledger status command.
func (a App) ledgerStatusRun(out io.Writer) error {
	led, err := a.loadLedger(slog.Default())

	cfg := led.Config()
	fmt.Fprintf(out, "Path:      %s\n", cfg.Path)
	fmt.Fprintf(out, "Lab code:  %s\n", cfg.LabCode)
	fmt.Fprintf(out, "Submitter: %s\n", cfg.Submitter)
	fmt.Fprintf(out, "State:     %s\n", led.State())
	if err != nil {
		return err
	}

	next, err := led.NextSequence()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Rows:      %d\n", len(led.Rows()))
	fmt.Fprintf(out, "Next:      %d\n", next)
	fmt.Fprintf(out, "Ready:     %t\n", led.IsReady())
	return nil
}

// ledgerNextRun runs the ledger next command.
func (a App) ledgerNextRun(out io.Writer, n int) error {
	led, err := a.loadLedger(slog.Default())
	if err != nil {
		return err
	}

	ids, err := led.Allocate(n)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}
