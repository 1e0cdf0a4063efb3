package uploader

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/manifest"
	"github.com/google/uuid"
	"github.com/ubuntu/decorate"
)

// Session is one batch upload. It is the unit of atomicity of the ledger commit.
type Session struct {
	// ID correlates the log lines of the session.
	ID       uuid.UUID
	Profile  credentials.Profile
	BatchTag string
	// Items are sample items first, then artifacts, each group in insertion order.
	Items []*Item
}

// NewSession returns a session over items, moving sample items ahead of artifacts without reordering either group.
func NewSession(p credentials.Profile, batchTag string, items []*Item) *Session {
	ordered := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.Kind == Sample {
			ordered = append(ordered, it)
		}
	}
	for _, it := range items {
		if it.Kind != Sample {
			ordered = append(ordered, it)
		}
	}

	return &Session{
		ID:       uuid.New(),
		Profile:  p,
		BatchTag: batchTag,
		Items:    ordered,
	}
}

// Pairs returns the identifier pairs of the sample items, in item order.
func (s *Session) Pairs() []ledger.Pair {
	var pairs []ledger.Pair
	for _, it := range s.Items {
		if it.Kind != Sample {
			continue
		}
		pairs = append(pairs, ledger.Pair{PseudoID: it.PseudoID, InternalLabID: it.InternalLabID})
	}
	return pairs
}

// Files returns the number of files of the session.
func (s *Session) Files() int {
	var n int
	for _, it := range s.Items {
		n += len(it.Paths)
	}
	return n
}

type queued struct {
	item *Item
	path string
}

// queue flattens the files of the session in transfer order.
func (s *Session) queue() []queued {
	q := make([]queued, 0, s.Files())
	for _, it := range s.Items {
		for _, p := range it.Paths {
			q = append(q, queued{item: it, path: p})
		}
	}
	return q
}

// Request is what Prepare needs to build a session.
type Request struct {
	Manifest manifest.Manifest
	// Target is the label of the credential profile.
	Target string
	// MetadataDir receives the generated metadata document.
	MetadataDir string
	// CompletionMarker is the path of an existing file transferred last. Optional.
	CompletionMarker string
}

// Prepare runs every check that does not need the network, stamps candidate identifiers on the samples,
// writes the metadata document and returns the session to Start.
// Errors wrap ErrConfiguration or ErrValidation.
func (u *Uploader) Prepare(req Request) (s *Session, err error) {
	defer decorate.OnError(&err, "could not prepare upload")

	profile, err := u.profiles.Get(req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !u.ledger.IsReady() {
		reason := u.ledger.Reason()
		if reason == nil {
			reason = errors.New("lab code, submitter and ledger path must all be set")
		}
		return nil, fmt.Errorf("%w: ledger is not ready: %w", ErrConfiguration, reason)
	}
	if req.MetadataDir == "" {
		return nil, fmt.Errorf("%w: no metadata directory", ErrConfiguration)
	}
	if req.CompletionMarker != "" && !fileutils.IsRegularFile(req.CompletionMarker) {
		return nil, fmt.Errorf("%w: completion marker %q is not a regular file", ErrConfiguration, req.CompletionMarker)
	}

	m := req.Manifest
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := u.ledger.ValidateUnique(m.LabIDs()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ids, err := u.ledger.Allocate(len(m.Samples))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	batchTag := u.timeProvider.Now().Format(constants.BatchTagLayout)
	labCode := u.ledger.Config().LabCode

	// The metadata and marker names must not shadow a sample file at the destination.
	names := make(map[string]struct{})
	items := make([]*Item, 0, len(m.Samples)+2)
	records := make([]manifest.Record, 0, len(m.Samples))
	for i, sample := range m.Samples {
		paths := m.Paths(sample)
		files := make([]string, 0, len(paths))
		for _, p := range paths {
			files = append(files, filepath.Base(p))
			names[filepath.Base(p)] = struct{}{}
		}
		items = append(items, NewSample(sample.InternalLabID, ids[i], paths))
		records = append(records, manifest.Record{
			PseudoID: ids[i],
			LabCode:  labCode,
			BatchTag: batchTag,
			Files:    files,
			Metadata: sample.Metadata,
		})
	}

	artifacts := []string{manifest.MetadataPath(req.MetadataDir, batchTag)}
	if req.CompletionMarker != "" {
		artifacts = append(artifacts, req.CompletionMarker)
	}
	for _, p := range artifacts {
		if _, ok := names[filepath.Base(p)]; ok {
			return nil, fmt.Errorf("%w: artifact name %q is also a sample file name", ErrValidation, filepath.Base(p))
		}
		names[filepath.Base(p)] = struct{}{}
	}

	metadataPath, err := manifest.WriteMetadata(req.MetadataDir, batchTag, records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	artifacts[0] = metadataPath
	for i, p := range artifacts {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		kind := MetadataDocument
		if i > 0 {
			kind = CompletionMarker
		}
		items = append(items, NewArtifact(kind, abs))
	}

	s = NewSession(profile, batchTag, items)
	u.log.Info("Upload prepared", "session", s.ID, "batch", batchTag, "target", profile.TargetLabel, "samples", len(m.Samples), "files", s.Files())
	return s, nil
}
