// Package transfer moves one local file to one remote destination under the protocol of a credential profile.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
)

var (
	// ErrAuth is returned when the destination rejects the profile credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrConnection is returned when the destination cannot be reached or the connection times out.
	ErrConnection = errors.New("connection failed")
	// ErrRemoteDir is returned when the batch directory cannot be created on the destination.
	ErrRemoteDir = errors.New("could not create remote directory")
	// ErrLocalRead is returned when the local file cannot be read.
	ErrLocalRead = errors.New("could not read local file")
	// ErrRemote is returned when the destination rejects the transfer for any other reason.
	ErrRemote = errors.New("destination rejected the transfer")
	// ErrUnsupportedKind is returned by New for a profile kind without transfer backend.
	ErrUnsupportedKind = errors.New("unsupported profile kind")
)

// Observer is notified of the progress of a transfer.
type Observer interface {
	// OnProgress is called zero or more times with a percentage of the file transferred, never decreasing.
	OnProgress(filename string, percent int)
	// OnFinished is called exactly once when the file is stored at its destination.
	OnFinished(filename string)
}

// Worker transfers exactly one file.
type Worker interface {
	// Run transfers the file, returning an error wrapping one of the failure classes of this package.
	Run(ctx context.Context) error
	// Filename is the base name of the file, which is also the last element of its remote key.
	Filename() string
	// Size is the size of the file in bytes, read once at construction.
	Size() int64
}

type noopObserver struct{}

func (noopObserver) OnProgress(string, int) {}
func (noopObserver) OnFinished(string)      {}

type options struct {
	log *slog.Logger

	multipartThreshold   int64
	multipartChunkSize   int64
	multipartConcurrency int
	dialTimeout          time.Duration

	s3Client S3API
	connect  connectFunc
}

// Options represents an optional function to override Worker default values.
type Options func(*options)

// WithLogger sets the logger of the worker.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// WithMultipartThreshold sets the file size from which object storage uploads are split in parts.
func WithMultipartThreshold(size int64) Options {
	return func(o *options) {
		o.multipartThreshold = size
	}
}

// WithMultipartChunkSize sets the size of one object storage part.
func WithMultipartChunkSize(size int64) Options {
	return func(o *options) {
		o.multipartChunkSize = size
	}
}

// WithMultipartConcurrency sets the maximum number of parts of one file in flight at once.
func WithMultipartConcurrency(n int) Options {
	return func(o *options) {
		o.multipartConcurrency = n
	}
}

// WithDialTimeout sets the connection timeout of secure shell transfers.
func WithDialTimeout(d time.Duration) Options {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// base holds what every worker knows about its file.
type base struct {
	path     string
	name     string
	size     int64
	batchTag string
	profile  credentials.Profile
	progress *progress
	log      *slog.Logger
}

func (b base) Filename() string { return b.name }
func (b base) Size() int64      { return b.size }

// New returns the worker matching the profile kind for the file at path.
// The file size is read here and not again.
func New(p credentials.Profile, batchTag, path string, obs Observer, args ...Options) (Worker, error) {
	opts := options{
		log:                  slog.Default(),
		multipartThreshold:   constants.DefaultMultipartThreshold,
		multipartChunkSize:   constants.DefaultMultipartChunkSize,
		multipartConcurrency: constants.DefaultMultipartConcurrency,
		dialTimeout:          constants.DefaultDialTimeout,
	}
	for _, opt := range args {
		opt(&opts)
	}

	if opts.multipartChunkSize <= 0 {
		return nil, fmt.Errorf("multipart chunk size must be positive, got %d", opts.multipartChunkSize)
	}
	if opts.multipartConcurrency < 1 {
		return nil, fmt.Errorf("multipart concurrency must be at least 1, got %d", opts.multipartConcurrency)
	}
	if batchTag == "" {
		return nil, errors.New("empty batch tag")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalRead, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrLocalRead, path)
	}

	if obs == nil {
		obs = noopObserver{}
	}
	name := filepath.Base(path)
	b := base{
		path:     path,
		name:     name,
		size:     fi.Size(),
		batchTag: batchTag,
		profile:  p,
		progress: newProgress(obs, name, fi.Size()),
		log:      opts.log.With("file", name, "target", p.TargetLabel),
	}

	switch p.Kind {
	case credentials.ObjectStorage:
		return newObjectStorage(b, opts)
	case credentials.SecureShell:
		return newSecureShell(b, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, p.Kind)
	}
}
