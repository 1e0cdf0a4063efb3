package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/spf13/cobra"
)

func installCredentialsCmd(app *App) (*cobra.Command, error) {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect the credential profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the valid credential profiles and the rejected documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.credentialsListRun(cmd.Context(), cmd.OutOrStdout())
		},
	}
	listCmd.Flags().BoolVarP(&app.config.Watch, "watch", "w", false, "list again whenever a profile document changes, until interrupted")
	if err := app.viper.BindPFlags(listCmd.Flags()); err != nil {
		return nil, err
	}

	credentialsCmd.AddCommand(listCmd)
	app.cmd.AddCommand(credentialsCmd)
	return credentialsCmd, nil
}

// credentialsListRun runs the credentials list command.
func (a App) credentialsListRun(ctx context.Context, out io.Writer) error {
	l := slog.Default()
	store := credentials.New(l, a.config.CredentialsDir)

	if !a.config.Watch {
		if err := store.Load(); err != nil {
			return err
		}
		printProfiles(out, store)
		return nil
	}

	ctx, cancel := notifyContext(ctx)
	defer cancel()

	changes, errs, err := store.Watch(ctx)
	if err != nil {
		return err
	}
	printProfiles(out, store)

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, "---")
			printProfiles(out, store)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func printProfiles(out io.Writer, store *credentials.Store) {
	for _, label := range store.Labels() {
		p, err := store.Get(label)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.TargetLabel, p.Kind, p.Endpoint, p.Location)
	}

	rejected := store.Rejected()
	for _, file := range slices.Sorted(maps.Keys(rejected)) {
		fmt.Fprintf(out, "rejected %s: %v\n", file, rejected[file])
	}
}
