package uploader_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/testutils"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/uploader"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var s3Profile = credentials.Profile{
	Kind:        credentials.ObjectStorage,
	TargetLabel: "s3-target",
	Endpoint:    "https://s3.example.org",
	KeyID:       "key",
	Secret:      "secret",
	Location:    "genomics",
	Region:      "us-east-1",
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		preRegistered prometheus.Collector

		wantErr bool
	}{
		"Private registry": {},

		"Error on metric already registered": {
			preRegistered: prometheus.NewCounter(prometheus.CounterOpts{Name: "gms_uploader_transferred_bytes_total"}),
			wantErr:       true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			if tc.preRegistered != nil {
				require.NoError(t, reg.Register(tc.preRegistered), "Setup: could not register collector")
			}

			l, _ := testutils.NewLogger()
			u, err := uploader.New(l, &fakeLedger{ready: true}, profiles{}, uploader.WithRegisterer(reg))
			if tc.wantErr {
				require.Error(t, err, "New should return an error")
				return
			}
			require.NoError(t, err, "New should not return an error")
			require.Equal(t, uploader.Idle, u.State(), "New uploader should be idle")
		})
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	authErr := fmt.Errorf("%w: wrong password", transfer.ErrAuth)

	tests := map[string]struct {
		items     func() []*uploader.Item
		failOn    map[string]error
		newErr    map[string]error
		noFinish  map[string]bool
		commitErr error

		wantState    uploader.State
		wantStarted  []string
		wantUploaded []string
		wantCommits  int
		wantPairs    []ledger.Pair
		wantErrIs    []error
		wantFileErr  *uploader.FileError
	}{
		"Two samples metadata and marker complete with one commit": {
			items: func() []*uploader.Item {
				return []*uploader.Item{
					uploader.NewArtifact(uploader.CompletionMarker, "/in/marker"),
					uploader.NewSample("s1", "SE720-00000001", []string{"/in/s1.fastq"}),
					uploader.NewArtifact(uploader.MetadataDocument, "/md/tag_meta.json"),
					uploader.NewSample("s2", "SE720-00000002", []string{"/in/s2.fastq"}),
				}
			},
			wantState:    uploader.Completed,
			wantStarted:  []string{"s1.fastq", "s2.fastq", "marker", "tag_meta.json"},
			wantUploaded: []string{"s1.fastq", "s2.fastq", "marker", "tag_meta.json"},
			wantCommits:  1,
			wantPairs:    []ledger.Pair{{PseudoID: "SE720-00000001", InternalLabID: "s1"}, {PseudoID: "SE720-00000002", InternalLabID: "s2"}},
		},
		"Artifacts only commit no pairs": {
			items: func() []*uploader.Item {
				return []*uploader.Item{uploader.NewArtifact(uploader.MetadataDocument, "/md/tag_meta.json")}
			},
			wantState:    uploader.Completed,
			wantStarted:  []string{"tag_meta.json"},
			wantUploaded: []string{"tag_meta.json"},
			wantCommits:  1,
		},

		"Second of three files fails": {
			items:        threeFiles,
			failOn:       map[string]error{"b.fastq": authErr},
			wantState:    uploader.Failed,
			wantStarted:  []string{"a.fastq", "b.fastq"},
			wantUploaded: []string{"a.fastq"},
			wantErrIs:    []error{uploader.ErrTransfer, transfer.ErrAuth},
			wantFileErr:  &uploader.FileError{Item: "sample s1", File: "b.fastq"},
		},
		"Worker construction fails": {
			items:       threeFiles,
			newErr:      map[string]error{"a.fastq": fmt.Errorf("%w: gone", transfer.ErrLocalRead)},
			wantState:   uploader.Failed,
			wantErrIs:   []error{uploader.ErrTransfer, transfer.ErrLocalRead},
			wantFileErr: &uploader.FileError{Item: "sample s1", File: "a.fastq"},
		},
		"File not reported finished is inconsistent": {
			items:        threeFiles,
			noFinish:     map[string]bool{"c.fastq": true},
			wantState:    uploader.Failed,
			wantStarted:  []string{"a.fastq", "b.fastq", "c.fastq"},
			wantUploaded: []string{"a.fastq", "b.fastq"},
			wantErrIs:    []error{uploader.ErrConsistency},
		},
		"Commit failure keeps files completed": {
			items:        threeFiles,
			commitErr:    errors.New("disk full"),
			wantState:    uploader.Completed,
			wantStarted:  []string{"a.fastq", "b.fastq", "c.fastq"},
			wantUploaded: []string{"a.fastq", "b.fastq", "c.fastq"},
			wantCommits:  1,
			wantPairs:    []ledger.Pair{{PseudoID: "SE720-00000001", InternalLabID: "s1"}},
			wantErrIs:    []error{uploader.ErrPersistence},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := newBackend()
			b.failOn, b.newErr, b.noFinish = tc.failOn, tc.newErr, tc.noFinish
			led := &fakeLedger{ready: true, commitErr: tc.commitErr}
			u := newUploader(t, led, b)

			s := uploader.NewSession(s3Profile, "tag", tc.items())
			require.NoError(t, u.Start(context.Background(), s), "Start should not return an error")
			r := u.Wait()

			require.Equal(t, tc.wantState, r.State, "Unexpected final state: %s", r.Message())
			require.Equal(t, tc.wantState, u.State(), "Uploader state should match the result")
			assert.Equal(t, tc.wantStarted, b.startedFiles(), "Files should be transferred in queue order")
			assert.ElementsMatch(t, tc.wantUploaded, uploaded(s), "Only finished files should be marked")
			assert.Equal(t, s.Files(), r.Files, "Result should count the session files")
			assert.Equal(t, len(tc.wantUploaded), r.Transferred, "Result should count transferred files")

			require.Len(t, led.commits, tc.wantCommits, "Unexpected number of commits")
			if tc.wantCommits > 0 {
				assert.Equal(t, tc.wantPairs, led.commits[0].pairs, "Commit should carry sample pairs only")
				assert.Equal(t, "tag", led.commits[0].batchTag, "Commit should carry the batch tag")
			}

			if len(tc.wantErrIs) == 0 {
				require.NoError(t, r.Err, "Result should not carry an error")
				assert.Equal(t, tc.wantPairs, r.Committed, "Result should list committed pairs")
				return
			}
			for _, want := range tc.wantErrIs {
				require.ErrorIs(t, r.Err, want)
			}
			assert.Empty(t, r.Committed, "Nothing should be reported committed")
			if tc.wantFileErr != nil {
				var fe *uploader.FileError
				require.ErrorAs(t, r.Err, &fe)
				assert.Equal(t, tc.wantFileErr.Item, fe.Item, "FileError should name the item")
				assert.Equal(t, tc.wantFileErr.File, fe.File, "FileError should name the file")
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	b := newBackend()
	gate := b.gate("a.fastq")
	led := &fakeLedger{ready: true}
	u := newUploader(t, led, b)
	s := uploader.NewSession(s3Profile, "tag", threeFiles())

	require.NoError(t, u.Start(context.Background(), s), "Start should not return an error")
	require.Equal(t, "a.fastq", <-b.started, "First file should start")

	require.NoError(t, u.Pause(), "Pause should be accepted while running")
	require.Equal(t, uploader.Running, u.State(), "Pause should not interrupt the file in flight")
	close(gate)

	require.Eventually(t, func() bool { return u.State() == uploader.Paused }, 5*time.Second, 10*time.Millisecond, "Uploader should pause between files")
	assert.Equal(t, []string{"a.fastq"}, b.startedFiles(), "No file should start while paused")
	assert.True(t, s.Items[0].Uploaded("a.fastq"), "File in flight should complete before pausing")
	require.ErrorIs(t, u.Pause(), uploader.ErrState, "Pause should be refused while paused")

	require.NoError(t, u.Resume(), "Resume should be accepted while paused")
	r := u.Wait()
	require.Equal(t, uploader.Completed, r.State, "Resumed session should complete: %s", r.Message())
	assert.Equal(t, []string{"a.fastq", "b.fastq", "c.fastq"}, b.startedFiles(), "Every file should be transferred once")
	require.Len(t, led.commits, 1, "Session should commit once")
}

func TestResumeBeforePauseIsEffective(t *testing.T) {
	t.Parallel()

	b := newBackend()
	gate := b.gate("a.fastq")
	u := newUploader(t, &fakeLedger{ready: true}, b)

	require.NoError(t, u.Start(context.Background(), uploader.NewSession(s3Profile, "tag", threeFiles())), "Start should not return an error")
	<-b.started
	require.NoError(t, u.Pause(), "Pause should be accepted while running")
	require.NoError(t, u.Resume(), "Resume should cancel a pending pause")
	close(gate)

	r := u.Wait()
	require.Equal(t, uploader.Completed, r.State, "Session should complete: %s", r.Message())
}

func TestStop(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pauseFirst bool
		cancelCtx  bool
	}{
		"Stop from paused":               {pauseFirst: true},
		"Stop while running":             {},
		"Cancelled context acts as stop": {cancelCtx: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := newBackend()
			gate := b.gate("a.fastq")
			led := &fakeLedger{ready: true}
			u := newUploader(t, led, b)
			s := uploader.NewSession(s3Profile, "tag", threeFiles())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, u.Start(ctx, s), "Start should not return an error")
			<-b.started

			switch {
			case tc.pauseFirst:
				require.NoError(t, u.Pause(), "Pause should be accepted while running")
				close(gate)
				require.Eventually(t, func() bool { return u.State() == uploader.Paused }, 5*time.Second, 10*time.Millisecond, "Uploader should pause")
				require.NoError(t, u.Stop(), "Stop should be accepted while paused")
			case tc.cancelCtx:
				cancel()
				close(gate)
			default:
				require.NoError(t, u.Stop(), "Stop should be accepted while running")
				close(gate)
			}

			r := u.Wait()
			require.Equal(t, uploader.Idle, r.State, "Stopped session should return to idle")
			require.NoError(t, r.Err, "Stop is not an error")
			assert.Equal(t, []string{"a.fastq"}, b.startedFiles(), "No file should start after the stop")
			assert.True(t, s.Items[0].Uploaded("a.fastq"), "File in flight should complete and stay marked")
			assert.False(t, s.Items[0].UploadComplete(), "Item should remain incomplete")
			assert.Empty(t, led.commits, "Stopped session should not commit")
			assert.Contains(t, r.Message(), "stopped after 1 of 3 files", "Message should report partial progress")
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	b := newBackend()
	gate := b.gate("a.fastq")
	u := newUploader(t, &fakeLedger{ready: true}, b)

	require.ErrorIs(t, u.Pause(), uploader.ErrState, "Pause should be refused while idle")
	require.ErrorIs(t, u.Resume(), uploader.ErrState, "Resume should be refused while idle")
	require.ErrorIs(t, u.Stop(), uploader.ErrState, "Stop should be refused while idle")
	require.Nil(t, u.Done(), "Done should be nil before any start")
	require.Equal(t, uploader.Idle, u.Wait().State, "Wait should not block before any start")

	s := uploader.NewSession(s3Profile, "tag", threeFiles())
	require.NoError(t, u.Start(context.Background(), s), "Start should not return an error")
	<-b.started
	require.ErrorIs(t, u.Start(context.Background(), s), uploader.ErrState, "Start should be refused while running")
	require.ErrorIs(t, u.Resume(), uploader.ErrState, "Resume should be refused while running unpaused")
	close(gate)

	<-u.Done()
	require.Equal(t, uploader.Completed, u.State(), "Session should complete")
	require.Same(t, s, u.Session(), "Session should be the last started one")
	require.ErrorIs(t, u.Stop(), uploader.ErrState, "Stop should be refused once completed")

	again := uploader.NewSession(s3Profile, "tag2", []*uploader.Item{uploader.NewSample("s9", "SE720-00000009", []string{"/in/z.fastq"})})
	require.NoError(t, u.Start(context.Background(), again), "A new session can start after the previous one ended")
	require.Equal(t, uploader.Completed, u.Wait().State, "Second session should complete")
}

func TestObserverIsNotified(t *testing.T) {
	t.Parallel()

	b := newBackend()
	obs := &recorder{}
	l, _ := testutils.NewLogger()
	u, err := uploader.New(l, &fakeLedger{ready: true}, profiles{},
		uploader.WithWorkerFactory(b.factory),
		uploader.WithObserver(obs),
		uploader.WithTransferOptions(transfer.WithMultipartConcurrency(2)))
	require.NoError(t, err, "Setup: New should not return an error")

	require.NoError(t, u.Start(context.Background(), uploader.NewSession(s3Profile, "tag", threeFiles())), "Start should not return an error")
	u.Wait()

	assert.Equal(t, []string{"a.fastq", "b.fastq", "c.fastq"}, obs.finished, "Observer should see every file finish in order")
	assert.Equal(t, 6, obs.progress, "Observer should receive worker progress")
	// The uploader logger plus the caller option.
	assert.Equal(t, 2, b.optCount, "Workers should receive the transfer options")
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	b := newBackend()
	b.failOn = map[string]error{"b.fastq": fmt.Errorf("%w: refused", transfer.ErrConnection)}
	l, _ := testutils.NewLogger()
	u, err := uploader.New(l, &fakeLedger{ready: true}, profiles{}, uploader.WithWorkerFactory(b.factory), uploader.WithRegisterer(reg))
	require.NoError(t, err, "Setup: New should not return an error")

	require.NoError(t, u.Start(context.Background(), uploader.NewSession(s3Profile, "tag", threeFiles())), "Start should not return an error")
	require.Equal(t, uploader.Failed, u.Wait().State, "Session should fail")

	assert.InDelta(t, 1, metricValue(t, reg, "gms_uploader_files_total", map[string]string{"outcome": "ok"}), 0, "One file should succeed")
	assert.InDelta(t, 1, metricValue(t, reg, "gms_uploader_files_total", map[string]string{"outcome": "failed"}), 0, "One file should fail")
	assert.InDelta(t, 1, metricValue(t, reg, "gms_uploader_transfer_failures_total", map[string]string{"class": "connection"}), 0, "Failure should be classified")
	assert.InDelta(t, 1, metricValue(t, reg, "gms_uploader_sessions_total", map[string]string{"outcome": "failed"}), 0, "Session outcome should be counted")
	assert.InDelta(t, fakeSize, metricValue(t, reg, "gms_uploader_transferred_bytes_total", nil), 0, "Bytes of the stored file should be counted")
	assert.InDelta(t, 0, metricValue(t, reg, "gms_uploader_active_transfers", nil), 0, "No transfer should remain active")
}

func threeFiles() []*uploader.Item {
	return []*uploader.Item{uploader.NewSample("s1", "SE720-00000001", []string{"/in/a.fastq", "/in/b.fastq", "/in/c.fastq"})}
}

func newUploader(t *testing.T, led uploader.Ledger, b *backend) *uploader.Uploader {
	t.Helper()

	l, _ := testutils.NewLogger()
	u, err := uploader.New(l, led, profiles{s3Profile.TargetLabel: s3Profile}, uploader.WithWorkerFactory(b.factory))
	require.NoError(t, err, "Setup: New should not return an error")
	return u
}

// uploaded returns the names of every marked file of the session.
func uploaded(s *uploader.Session) []string {
	var names []string
	for _, it := range s.Items {
		for _, p := range it.Paths {
			if it.Uploaded(filepath.Base(p)) {
				names = append(names, filepath.Base(p))
			}
		}
	}
	return names
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err, "Could not gather metrics")
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

const fakeSize = 10

// backend hands out fake workers and records the order they run in.
type backend struct {
	failOn   map[string]error
	newErr   map[string]error
	noFinish map[string]bool
	gates    map[string]chan struct{}
	started  chan string

	mu       sync.Mutex
	ran      []string
	optCount int
}

func newBackend() *backend {
	return &backend{
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

// gate holds the worker of name until the returned channel is closed. Set up before Start.
func (b *backend) gate(name string) chan struct{} {
	g := make(chan struct{})
	b.gates[name] = g
	return g
}

func (b *backend) startedFiles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ran == nil {
		return nil
	}
	return slices.Clone(b.ran)
}

func (b *backend) factory(_ credentials.Profile, _, path string, obs transfer.Observer, args ...transfer.Options) (transfer.Worker, error) {
	b.mu.Lock()
	b.optCount = len(args)
	b.mu.Unlock()

	if err := b.newErr[filepath.Base(path)]; err != nil {
		return nil, err
	}
	return &fakeWorker{b: b, name: filepath.Base(path), obs: obs}, nil
}

type fakeWorker struct {
	b    *backend
	name string
	obs  transfer.Observer
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.b.mu.Lock()
	w.b.ran = append(w.b.ran, w.name)
	w.b.mu.Unlock()
	w.b.started <- w.name

	if g := w.b.gates[w.name]; g != nil {
		<-g
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.b.failOn[w.name]; err != nil {
		return err
	}

	w.obs.OnProgress(w.name, 50)
	if w.b.noFinish[w.name] {
		return nil
	}
	w.obs.OnProgress(w.name, 100)
	w.obs.OnFinished(w.name)
	return nil
}

func (w *fakeWorker) Filename() string { return w.name }
func (w *fakeWorker) Size() int64      { return fakeSize }

type commit struct {
	pairs    []ledger.Pair
	batchTag string
}

// fakeLedger records commits and hands out identifiers from sequence 1.
type fakeLedger struct {
	ready     bool
	uniqueErr error
	allocErr  error
	commitErr error

	commits []commit
}

func (l *fakeLedger) IsReady() bool { return l.ready }

func (l *fakeLedger) Reason() error {
	if l.ready {
		return nil
	}
	return ledger.ErrInvalid
}

func (l *fakeLedger) Config() ledger.Config {
	return ledger.Config{Path: "/ledger.csv", LabCode: "SE720", Submitter: "tester"}
}

func (l *fakeLedger) ValidateUnique([]string) error { return l.uniqueErr }

func (l *fakeLedger) Allocate(n int) ([]string, error) {
	if l.allocErr != nil {
		return nil, l.allocErr
	}
	ids := make([]string, n)
	for i := range n {
		ids[i] = ledger.FormatPseudoID("SE720", i+1)
	}
	return ids, nil
}

func (l *fakeLedger) Commit(pairs []ledger.Pair, batchTag string) error {
	l.commits = append(l.commits, commit{pairs: pairs, batchTag: batchTag})
	return l.commitErr
}

type profiles map[string]credentials.Profile

func (p profiles) Get(label string) (credentials.Profile, error) {
	if prof, ok := p[label]; ok {
		return prof, nil
	}
	return credentials.Profile{}, credentials.ErrNotFound
}

type recorder struct {
	finished []string
	progress int
}

func (r *recorder) OnProgress(string, int) { r.progress++ }
func (r *recorder) OnFinished(name string) { r.finished = append(r.finished, name) }
