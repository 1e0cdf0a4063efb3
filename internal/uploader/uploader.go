// Package uploader implements the upload orchestrator.
// The orchestrator transfers the files of a batch one at a time to the destination of a credential profile,
// and commits the pseudonymous identifiers of the batch to the ledger only once every file is stored.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
)

// State is the lifecycle state of the orchestrator.
type State int

const (
	// Idle is the state before a start and after a stop.
	Idle State = iota
	// Running means files are being transferred.
	Running
	// Paused means the queue is held between two files.
	Paused
	// Completed means every file was transferred.
	Completed
	// Failed means a file failed or the session was found inconsistent. Nothing was committed.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Ledger is the identifier ledger the orchestrator allocates from and commits to.
type Ledger interface {
	IsReady() bool
	Reason() error
	Config() ledger.Config
	ValidateUnique(labIDs []string) error
	Allocate(n int) ([]string, error)
	Commit(pairs []ledger.Pair, batchTag string) error
}

// Profiles resolves credential profiles by target label.
type Profiles interface {
	Get(label string) (credentials.Profile, error)
}

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time {
	return time.Now()
}

type workerFactory func(p credentials.Profile, batchTag, path string, obs transfer.Observer, args ...transfer.Options) (transfer.Worker, error)

// Uploader drives the sessions of one ledger, one session at a time.
type Uploader struct {
	log      *slog.Logger
	ledger   Ledger
	profiles Profiles

	newWorker    workerFactory
	workerOpts   []transfer.Options
	observer     transfer.Observer
	timeProvider timeProvider
	metrics      *metrics

	mu      sync.Mutex
	state   State
	session *Session
	result  Result
	done    chan struct{}

	pause atomic.Bool
	stop  atomic.Bool
	wake  chan struct{}
}

type options struct {
	observer   transfer.Observer
	registerer prometheus.Registerer
	workerOpts []transfer.Options

	// Private members exported for tests.
	newWorker    workerFactory
	timeProvider timeProvider
}

// Options represents an optional function to override Uploader default values.
type Options func(*options)

// WithObserver sets the observer notified of the progress of every file.
func WithObserver(obs transfer.Observer) Options {
	return func(o *options) {
		o.observer = obs
	}
}

// WithRegisterer sets where the uploader metrics are registered. By default they are kept private.
func WithRegisterer(reg prometheus.Registerer) Options {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTransferOptions sets the options handed to every transfer worker.
func WithTransferOptions(args ...transfer.Options) Options {
	return func(o *options) {
		o.workerOpts = append(o.workerOpts, args...)
	}
}

// New returns an idle uploader over the ledger and credential profiles.
func New(l *slog.Logger, led Ledger, profiles Profiles, args ...Options) (*Uploader, error) {
	opts := options{
		observer:     nopObserver{},
		registerer:   prometheus.NewRegistry(),
		newWorker:    transfer.New,
		timeProvider: realTimeProvider{},
	}
	for _, opt := range args {
		opt(&opts)
	}

	m, err := newMetrics(opts.registerer)
	if err != nil {
		return nil, fmt.Errorf("could not register uploader metrics: %v", err)
	}

	return &Uploader{
		log:          l,
		ledger:       led,
		profiles:     profiles,
		newWorker:    opts.newWorker,
		workerOpts:   append([]transfer.Options{transfer.WithLogger(l)}, opts.workerOpts...),
		observer:     opts.observer,
		timeProvider: opts.timeProvider,
		metrics:      m,
	}, nil
}

type nopObserver struct{}

func (nopObserver) OnProgress(string, int) {}
func (nopObserver) OnFinished(string)      {}

// State returns the current lifecycle state.
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state
}

func (u *Uploader) setState(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.state = s
}

// Session returns the last started session, or nil.
func (u *Uploader) Session() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.session
}

// Start transfers the files of the session in the background. It fails while another session runs or is paused.
// Cancelling ctx acts as Stop: transfers in flight are never interrupted.
func (u *Uploader) Start(ctx context.Context, s *Session) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == Running || u.state == Paused {
		return fmt.Errorf("could not start session %s: uploader is %s: %w", s.ID, u.state, ErrState)
	}

	u.state = Running
	u.session = s
	u.result = Result{}
	u.done = make(chan struct{})
	u.wake = make(chan struct{}, 1)
	u.pause.Store(false)
	u.stop.Store(false)

	go u.run(ctx, s, u.done)
	return nil
}

// Pause holds the queue before the next file. The file in flight runs to its end.
func (u *Uploader) Pause() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != Running {
		return fmt.Errorf("could not pause: uploader is %s: %w", u.state, ErrState)
	}
	u.pause.Store(true)
	return nil
}

// Resume releases a paused queue, or cancels a pause not yet effective.
func (u *Uploader) Resume() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != Paused && !(u.state == Running && u.pause.Load()) {
		return fmt.Errorf("could not resume: uploader is %s: %w", u.state, ErrState)
	}
	u.pause.Store(false)
	u.notify()
	return nil
}

// Stop abandons the queue before the next file and returns the uploader to Idle without commit.
// Files already transferred stay marked on their items.
func (u *Uploader) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != Running && u.state != Paused {
		return fmt.Errorf("could not stop: uploader is %s: %w", u.state, ErrState)
	}
	u.stop.Store(true)
	u.notify()
	return nil
}

func (u *Uploader) notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the last started session reaches an end. It is nil before any start.
func (u *Uploader) Done() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.done
}

// Wait blocks until the last started session reaches an end and returns its result.
func (u *Uploader) Wait() Result {
	if done := u.Done(); done != nil {
		<-done
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

func (u *Uploader) finish(r Result) {
	u.metrics.sessions.WithLabelValues(outcome(r)).Inc()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = r.State
	u.result = r
}
