package commands

import (
	"context"
	"io"
)

type AppConfig = appConfig

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// SetArgs sets the arguments for the command.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetOut redirects the command output.
func (a *App) SetOut(w io.Writer) {
	a.cmd.SetOut(w)
	a.cmd.SetErr(w)
}

// RunContext executes the command with ctx.
func (a *App) RunContext(ctx context.Context) error {
	return a.cmd.ExecuteContext(ctx)
}
