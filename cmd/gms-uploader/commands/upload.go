package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/manifest"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/uploader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func installUploadCmd(app *App) (*cobra.Command, error) {
	uploadCmd := &cobra.Command{
		Use:   "upload MANIFEST",
		Short: "Upload the batch described by a manifest document",
		Long: `Upload the batch described by a YAML or JSON manifest document.

Each sample is stamped with the next pseudonymous identifier of the ledger and a metadata document is generated.
The sample files, then the metadata document, then the completion marker are transferred one at a time.
The identifiers are committed to the ledger only if every file is stored at the destination.
An interrupt stops the upload after the file in flight, without commit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Running upload command")
			return app.uploadRun(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	c := &app.config.Upload
	uploadCmd.Flags().StringVarP(&c.Target, "target", "t", "", "label of the credential profile to upload to")
	uploadCmd.Flags().StringVar(&c.MetadataDir, "metadata-dir", filepath.Join(constants.GetDefaultDataPath(), constants.MetadataFolder), "directory receiving the generated metadata documents")
	uploadCmd.Flags().StringVar(&c.CompletionMarker, "completion-marker", "", "existing file uploaded last to signal the destination that the batch is complete")
	uploadCmd.Flags().StringVar(&c.MetricsFile, "metrics-file", "", "write transfer metrics in the Prometheus text format to this file when done")
	uploadCmd.Flags().StringVar(&c.MultipartThreshold, "multipart-threshold", strconv.FormatInt(constants.DefaultMultipartThreshold, 10), "object storage file size from which uploads are split in parts, in bytes or with a KiB, MiB or GiB suffix")
	uploadCmd.Flags().StringVar(&c.MultipartChunkSize, "multipart-chunk-size", strconv.FormatInt(constants.DefaultMultipartChunkSize, 10), "object storage part size, in bytes or with a KiB, MiB or GiB suffix")
	uploadCmd.Flags().IntVar(&c.MultipartConcurrency, "multipart-concurrency", constants.DefaultMultipartConcurrency, "maximum number of object storage parts of one file in flight")
	uploadCmd.Flags().DurationVar(&c.DialTimeout, "dial-timeout", constants.DefaultDialTimeout, "secure shell connection timeout")

	if err := uploadCmd.MarkFlagDirname("metadata-dir"); err != nil {
		return nil, fmt.Errorf("failed to mark metadata-dir flag as directory: %w", err)
	}
	if err := app.viper.BindPFlags(uploadCmd.Flags()); err != nil {
		return nil, err
	}

	app.cmd.AddCommand(uploadCmd)
	return uploadCmd, nil
}

// uploadRun runs the upload command.
func (a App) uploadRun(ctx context.Context, out io.Writer, manifestPath string) (err error) {
	l := slog.Default()
	c := a.config.Upload

	transferOpts, err := c.transferOptions()
	if err != nil {
		return err
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	led, err := a.loadLedger(l)
	if err != nil {
		return fmt.Errorf("%w: %w", uploader.ErrConfiguration, err)
	}
	store, err := a.loadCredentials(l)
	if err != nil {
		return fmt.Errorf("%w: %w", uploader.ErrConfiguration, err)
	}

	registry := prometheus.NewRegistry()
	if c.MetricsFile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(c.MetricsFile, registry); werr != nil {
				err = errors.Join(err, fmt.Errorf("could not write metrics file: %v", werr))
			}
		}()
	}

	u, err := uploader.New(l, led, store,
		uploader.WithObserver(newProgressPrinter(out)),
		uploader.WithRegisterer(registry),
		uploader.WithTransferOptions(transferOpts...))
	if err != nil {
		return err
	}

	s, err := u.Prepare(uploader.Request{
		Manifest:         m,
		Target:           c.Target,
		MetadataDir:      c.MetadataDir,
		CompletionMarker: c.CompletionMarker,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploading batch %s to %s: %d samples, %d files\n", s.BatchTag, s.Profile.TargetLabel, len(m.Samples), s.Files())

	ctx, stop := notifyContext(ctx)
	defer stop()

	if err := u.Start(ctx, s); err != nil {
		return err
	}
	r := u.Wait()
	fmt.Fprintln(out, r.Message())

	switch {
	case r.Err != nil:
		return r.Err
	case r.State != uploader.Completed:
		return fmt.Errorf("upload of batch %s ended %s", r.BatchTag, r.State)
	}
	return nil
}

// notifyContext is done on interrupt or termination signals.
func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// transferOptions converts the human sizes of the configuration.
func (c uploadConfig) transferOptions() ([]transfer.Options, error) {
	threshold, err := fileutils.ParseSize(c.MultipartThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid multipart threshold: %v", err)
	}
	chunk, err := fileutils.ParseSize(c.MultipartChunkSize)
	if err != nil {
		return nil, fmt.Errorf("invalid multipart chunk size: %v", err)
	}

	return []transfer.Options{
		transfer.WithMultipartThreshold(threshold),
		transfer.WithMultipartChunkSize(chunk),
		transfer.WithMultipartConcurrency(c.MultipartConcurrency),
		transfer.WithDialTimeout(c.DialTimeout),
	}, nil
}

// progressPrinter prints the progress of every file by steps of ten percent.
type progressPrinter struct {
	out io.Writer

	mu   sync.Mutex
	last map[string]int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, last: make(map[string]int)}
}

func (p *progressPrinter) OnProgress(filename string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := percent / 10 * 10
	if last, ok := p.last[filename]; ok && step <= last {
		return
	}
	p.last[filename] = step
	fmt.Fprintf(p.out, "  %s %3d%%\n", filename, step)
}

func (p *progressPrinter) OnFinished(filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "  %s stored\n", filename)
}
