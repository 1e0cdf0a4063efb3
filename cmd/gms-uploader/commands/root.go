// Package commands is the command line interface of gms-uploader.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/cli"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig
}

// appConfig holds the settings of every command. Keys are the flag names.
type appConfig struct {
	Verbosity int  `mapstructure:"verbose"`
	JSONLogs  bool `mapstructure:"json-logs"`

	LedgerPath     string `mapstructure:"ledger-path"`
	LabCode        string `mapstructure:"lab-code"`
	Submitter      string `mapstructure:"submitter"`
	CredentialsDir string `mapstructure:"credentials-dir"`

	Upload uploadConfig `mapstructure:",squash"`
	Watch  bool         `mapstructure:"watch"`
}

type uploadConfig struct {
	Target           string `mapstructure:"target"`
	MetadataDir      string `mapstructure:"metadata-dir"`
	CompletionMarker string `mapstructure:"completion-marker"`
	MetricsFile      string `mapstructure:"metrics-file"`

	MultipartThreshold   string        `mapstructure:"multipart-threshold"`
	MultipartChunkSize   string        `mapstructure:"multipart-chunk-size"`
	MultipartConcurrency int           `mapstructure:"multipart-concurrency"`
	DialTimeout          time.Duration `mapstructure:"dial-timeout"`
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Upload genomic sample batches and record their pseudonymous identifiers",
		Long: `Upload genomic sample batches to an object storage or secure shell destination.

Every sample of a batch is given the next pseudonymous identifier of the lab ledger.
The identifiers are only recorded in the ledger once every file of the batch is stored at the destination.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.cmd.ErrOrStderr(), a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, viper.DecodeHook(configDecodeHook())); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Debug("Got app config", "config", a.config)

			cli.SetSlog(a.cmd.ErrOrStderr(), a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootFlags(&a)
	cli.InstallConfigFlag(a.cmd)
	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	for _, install := range []func(*App) (*cobra.Command, error){installUploadCmd, installLedgerCmd, installCredentialsCmd} {
		if _, err := install(&a); err != nil {
			return nil, err
		}
	}

	return &a, nil
}

func installRootFlags(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	cmd.PersistentFlags().StringVar(&app.config.LedgerPath, "ledger-path", filepath.Join(constants.GetDefaultDataPath(), constants.LedgerFileName), "path of the pseudonymous identifier ledger")
	cmd.PersistentFlags().StringVar(&app.config.LabCode, "lab-code", "", "code of the lab owning the ledger")
	cmd.PersistentFlags().StringVar(&app.config.Submitter, "submitter", "", "name recorded with committed identifiers")
	cmd.PersistentFlags().StringVar(&app.config.CredentialsDir, "credentials-dir", filepath.Join(constants.GetDefaultConfigPath(), constants.CredentialsFolder), "directory of the credential profile documents")

	if err := cmd.MarkPersistentFlagFilename("ledger-path", "csv"); err != nil {
		panic(fmt.Sprintf("failed to mark ledger-path flag as filename: %v", err))
	}
	if err := cmd.MarkPersistentFlagDirname("credentials-dir"); err != nil {
		panic(fmt.Sprintf("failed to mark credentials-dir flag as directory: %v", err))
	}
}

// configDecodeHook decodes durations and expands a leading ~ of string settings to the home directory.
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.DecodeHookFuncType(expandHome),
	)
}

func expandHome(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.String {
		return data, nil
	}
	s, ok := data.(string)
	if !ok || (s != "~" && !strings.HasPrefix(s, "~/")) {
		return data, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not expand %q: %v", s, err)
	}
	return filepath.Join(home, strings.TrimPrefix(s, "~")), nil
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

// loadLedger loads the ledger of the configured lab. An invalid ledger is returned with its load error.
func (a App) loadLedger(l *slog.Logger) (*ledger.Ledger, error) {
	led := ledger.New(l, ledger.Config{
		Path:      a.config.LedgerPath,
		LabCode:   a.config.LabCode,
		Submitter: a.config.Submitter,
	})
	return led, led.Load()
}

// loadCredentials loads the credential profiles of the configured directory.
func (a App) loadCredentials(l *slog.Logger) (*credentials.Store, error) {
	store := credentials.New(l, a.config.CredentialsDir)
	return store, store.Load()
}
