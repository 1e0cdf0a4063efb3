// Package ledger is the durable store of pseudonymous sample identifiers of one lab.
//
// The ledger is a CSV file, one row per committed identifier. Identifiers are allocated
// optimistically before a batch is transferred and only committed once every file of the
// batch is stored at its destination: a committed identifier implies stored files.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"github.com/ubuntu/decorate"
)

var (
	// ErrInvalid is returned by any allocation while the ledger breaks one of its invariants or was never loaded.
	ErrInvalid = errors.New("ledger is invalid")
	// ErrNotConfigured is returned when the ledger lacks a path, a lab code or a submitter.
	ErrNotConfigured = errors.New("ledger is not configured")
	// ErrDuplicateLabID is returned when an internal lab identifier is already recorded or repeated.
	ErrDuplicateLabID = errors.New("duplicate internal lab identifier")
	// ErrSequence is returned when committed identifiers do not continue the ledger sequence.
	ErrSequence = errors.New("identifiers do not continue the ledger sequence")
)

// State is the validity of the loaded ledger.
type State int

const (
	// Unloaded is the state before the first Load.
	Unloaded State = iota
	// Valid means the file satisfied every invariant on the last Load.
	Valid
	// Invalid means the last Load failed. Allocation fails closed until a successful reload.
	Invalid
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config locates the ledger and names who records into it.
type Config struct {
	Path      string
	LabCode   string
	Submitter string
}

// Row is one committed identifier.
type Row struct {
	PseudoID      string
	InternalLabID string
	Sequence      int
	LabCode       string
	Submitter     string
	BatchTag      string
}

// Pair binds an allocated pseudonymous identifier to the internal lab identifier it stands for.
type Pair struct {
	PseudoID      string
	InternalLabID string
}

// Ledger is the identifier ledger of one lab. Its methods are safe for concurrent use,
// though batch sessions must be serialised by the caller between Allocate and Commit.
type Ledger struct {
	log *slog.Logger

	mu     sync.Mutex
	cfg    Config
	state  State
	reason error
	rows   []Row
	labIDs map[string]struct{}
}

// New returns an unloaded ledger. Call Load before any allocation.
func New(l *slog.Logger, cfg Config) *Ledger {
	return &Ledger{
		log:    l,
		cfg:    cfg,
		labIDs: make(map[string]struct{}),
	}
}

// FormatPseudoID returns the pseudonymous identifier of sequence number seq in the lab.
func FormatPseudoID(labCode string, seq int) string {
	return fmt.Sprintf("%s-%0*d", labCode, constants.PseudoIDDigits, seq)
}

// Load reads and validates the ledger file. A missing file is created with the column header
// when its parent directory exists. Any invariant violation marks the ledger Invalid and is returned.
func (l *Ledger) Load() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	defer func() {
		if err != nil {
			l.state, l.reason, l.rows, l.labIDs = Invalid, err, nil, make(map[string]struct{})
			l.log.Warn("Ledger is invalid", "path", l.cfg.Path, "error", err)
		}
	}()
	defer decorate.OnError(&err, "could not load ledger")

	if l.cfg.Path == "" {
		return fmt.Errorf("%w: %w: no ledger path", ErrInvalid, ErrNotConfigured)
	}
	if l.cfg.LabCode == "" {
		return fmt.Errorf("%w: %w: no lab code", ErrInvalid, ErrNotConfigured)
	}

	if _, err := os.Stat(l.cfg.Path); errors.Is(err, os.ErrNotExist) {
		if err := l.create(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	f, err := os.Open(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer f.Close()

	rows, err := decode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate(rows, l.cfg.LabCode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	labIDs := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		labIDs[r.InternalLabID] = struct{}{}
	}

	l.state, l.reason, l.rows, l.labIDs = Valid, nil, rows, labIDs
	l.log.Info("Ledger loaded", "path", l.cfg.Path, "rows", len(rows), "lab_code", l.cfg.LabCode)
	return nil
}

// SetConfig replaces the configuration and reloads the ledger against it.
func (l *Ledger) SetConfig(cfg Config) error {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()

	return l.Load()
}

// create writes an empty ledger holding only the column header.
func (l *Ledger) create() error {
	dir := filepath.Dir(l.cfg.Path)
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("ledger file does not exist and cannot be created: %v", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("ledger file does not exist and cannot be created: %s is not a directory", dir)
	}

	data, err := encode(nil)
	if err != nil {
		return err
	}
	if err := fileutils.AtomicWrite(l.cfg.Path, data); err != nil {
		return fmt.Errorf("could not create empty ledger: %v", err)
	}
	l.log.Info("Created empty ledger", "path", l.cfg.Path)
	return nil
}

// validate enforces the row invariants: strictly increasing sequence numbers starting at 1 or more,
// a single lab code equal to the configured one, and identifiers derived from both.
func validate(rows []Row, labCode string) error {
	prev := 0
	for i, r := range rows {
		line := i + 2
		if r.Sequence < 1 {
			return fmt.Errorf("line %d: sequence number %d is not positive", line, r.Sequence)
		}
		if r.Sequence <= prev {
			return fmt.Errorf("line %d: sequence number %d does not increase after %d", line, r.Sequence, prev)
		}
		prev = r.Sequence

		if r.LabCode != rows[0].LabCode {
			return fmt.Errorf("line %d: lab code %q differs from %q", line, r.LabCode, rows[0].LabCode)
		}
		if r.LabCode != labCode {
			return fmt.Errorf("line %d: lab code %q does not match the configured %q", line, r.LabCode, labCode)
		}
		if want := FormatPseudoID(r.LabCode, r.Sequence); r.PseudoID != want {
			return fmt.Errorf("line %d: pseudo id %q should be %q", line, r.PseudoID, want)
		}
	}
	return nil
}

// State returns the validity of the ledger.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reason returns why the ledger is Invalid, or nil.
func (l *Ledger) Reason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Config returns the configuration of the ledger.
func (l *Ledger) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// IsReady is true when the lab code, the submitter and the path are set and the ledger is Valid.
func (l *Ledger) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.LabCode != "" && l.cfg.Submitter != "" && l.cfg.Path != "" && l.state == Valid
}

// Rows returns a copy of the committed rows, in file order.
func (l *Ledger) Rows() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Row(nil), l.rows...)
}

// NextSequence returns the sequence number the next allocation starts at.
func (l *Ledger) NextSequence() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkValid(); err != nil {
		return 0, err
	}
	return l.nextSequence(), nil
}

func (l *Ledger) nextSequence() int {
	if len(l.rows) == 0 {
		return 1
	}
	return l.rows[len(l.rows)-1].Sequence + 1
}

func (l *Ledger) checkValid() error {
	if l.state == Valid {
		return nil
	}
	if l.reason != nil {
		return l.reason
	}
	return fmt.Errorf("%w: not loaded", ErrInvalid)
}

// Allocate returns n consecutive identifiers starting at NextSequence. Nothing is persisted:
// the same identifiers are returned until a Commit.
func (l *Ledger) Allocate(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkValid(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("cannot allocate %d identifiers", n)
	}

	ids := make([]string, 0, n)
	next := l.nextSequence()
	for i := range n {
		ids = append(ids, FormatPseudoID(l.cfg.LabCode, next+i))
	}
	return ids, nil
}

// ValidateUnique fails when any of labIDs is already recorded in the ledger or appears twice.
func (l *Ledger) ValidateUnique(labIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkValid(); err != nil {
		return err
	}
	return l.validateUnique(labIDs)
}

func (l *Ledger) validateUnique(labIDs []string) error {
	var recorded, repeated []string
	seen := make(map[string]struct{}, len(labIDs))
	for _, id := range labIDs {
		if _, ok := l.labIDs[id]; ok {
			recorded = append(recorded, id)
		}
		if _, ok := seen[id]; ok {
			repeated = append(repeated, id)
		}
		seen[id] = struct{}{}
	}

	var errs []error
	if len(recorded) > 0 {
		errs = append(errs, fmt.Errorf("%w: already in ledger: %s", ErrDuplicateLabID, strings.Join(recorded, ", ")))
	}
	if len(repeated) > 0 {
		errs = append(errs, fmt.Errorf("%w: repeated in request: %s", ErrDuplicateLabID, strings.Join(repeated, ", ")))
	}
	return errors.Join(errs...)
}

// Commit records pairs with the configured submitter and batchTag and rewrites the ledger file atomically.
// The pairs must continue the ledger sequence in order. When the file cannot be written, the rows are
// forgotten and the error is returned: the caller must not retry blindly, as it could allocate twice.
func (l *Ledger) Commit(pairs []Pair, batchTag string) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	defer decorate.OnError(&err, "could not commit %d identifiers", len(pairs))

	if err := l.checkValid(); err != nil {
		return err
	}
	if l.cfg.Submitter == "" {
		return fmt.Errorf("%w: no submitter", ErrNotConfigured)
	}
	if batchTag == "" {
		return errors.New("empty batch tag")
	}
	if len(pairs) == 0 {
		return nil
	}

	labIDs := make([]string, 0, len(pairs))
	for _, p := range pairs {
		labIDs = append(labIDs, p.InternalLabID)
	}
	if err := l.validateUnique(labIDs); err != nil {
		return err
	}

	next := l.nextSequence()
	newRows := make([]Row, 0, len(pairs))
	for i, p := range pairs {
		seq := next + i
		if want := FormatPseudoID(l.cfg.LabCode, seq); p.PseudoID != want {
			return fmt.Errorf("%w: got %q, want %q", ErrSequence, p.PseudoID, want)
		}
		newRows = append(newRows, Row{
			PseudoID:      p.PseudoID,
			InternalLabID: p.InternalLabID,
			Sequence:      seq,
			LabCode:       l.cfg.LabCode,
			Submitter:     l.cfg.Submitter,
			BatchTag:      batchTag,
		})
	}

	all := append(append([]Row(nil), l.rows...), newRows...)
	data, err := encode(all)
	if err != nil {
		return err
	}
	if err := fileutils.AtomicWrite(l.cfg.Path, data); err != nil {
		l.log.Error("Ledger write failed, identifiers not recorded", "path", l.cfg.Path, "batch_tag", batchTag, "error", err)
		return err
	}

	l.rows = all
	for _, r := range newRows {
		l.labIDs[r.InternalLabID] = struct{}{}
	}
	l.log.Info("Committed identifiers", "path", l.cfg.Path, "batch_tag", batchTag, "count", len(newRows))
	return nil
}
