// Package credentials loads the named backend profiles an upload can target.
// A profile document describes how to reach one destination under one protocol.
// Documents missing a field required by their protocol are rejected as a whole.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/ubuntu/decorate"
)

var (
	// ErrNotFound is returned when no valid profile has the requested label.
	ErrNotFound = errors.New("credential profile not found")
	// ErrInvalidProfile is returned when a profile document misses a required field or cannot be decoded.
	ErrInvalidProfile = errors.New("invalid credential profile")
	// ErrUnknownProtocol is returned when a profile declares a protocol no transfer backend handles.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrDuplicateLabel is returned when two documents declare the same target label.
	ErrDuplicateLabel = errors.New("duplicate target label")
)

// Kind is the protocol a profile targets.
type Kind int

const (
	// ObjectStorage targets an S3 compatible bucket.
	ObjectStorage Kind = iota + 1
	// SecureShell targets a base path on an SFTP server.
	SecureShell
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case ObjectStorage:
		return "ObjectStorage"
	case SecureShell:
		return "SecureShell"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a protocol name of a profile document to its Kind.
// Both the short wire names (S3, SFTP) and the kind names are accepted, ignoring case.
func ParseKind(protocol string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "s3", "objectstorage":
		return ObjectStorage, nil
	case "sftp", "secureshell":
		return SecureShell, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownProtocol, protocol)
	}
}

// Profile is a validated credential profile.
type Profile struct {
	Kind        Kind
	TargetLabel string

	// Endpoint is the object storage endpoint URL or the secure shell host.
	Endpoint string
	// KeyID is the access key id or the user name.
	KeyID string
	// Secret is the secret access key or the password.
	Secret string
	// Location is the bucket or the remote base path.
	Location string

	Region     string
	Port       int
	KnownHosts string
}

// LogValue implements slog.LogValuer. The secret is never logged.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", p.Kind.String()),
		slog.String("label", p.TargetLabel),
		slog.String("endpoint", p.Endpoint),
		slog.String("location", p.Location),
	)
}

// Store holds the valid profiles of a directory, keyed by target label.
type Store struct {
	dir string
	log *slog.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
	rejected map[string]error
}

// New returns a Store reading profile documents from dir. Call Load before any lookup.
func New(l *slog.Logger, dir string) *Store {
	return &Store{
		dir:      dir,
		log:      l,
		profiles: make(map[string]Profile),
		rejected: make(map[string]error),
	}
}

// Dir returns the directory the profiles are read from.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads every supported document of the directory, replacing the known profiles.
// Invalid documents are excluded and reported by Rejected. When two documents declare the same label,
// the first one in file name order wins.
func (s *Store) Load() (err error) {
	defer decorate.OnError(&err, "could not load credential profiles from %s", s.dir)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	profiles := make(map[string]Profile)
	rejected := make(map[string]error)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isProfileDocument(entry.Name()) {
			continue
		}

		p, err := readProfile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Rejecting credential profile", "file", entry.Name(), "error", err)
			rejected[entry.Name()] = err
			continue
		}

		if first, ok := sources[p.TargetLabel]; ok {
			err := fmt.Errorf("%w %q, already declared in %s", ErrDuplicateLabel, p.TargetLabel, first)
			s.log.Warn("Rejecting credential profile", "file", entry.Name(), "error", err)
			rejected[entry.Name()] = err
			continue
		}

		sources[p.TargetLabel] = entry.Name()
		profiles[p.TargetLabel] = p
		s.log.Debug("Loaded credential profile", "file", entry.Name(), "profile", p)
	}

	s.mu.Lock()
	s.profiles = profiles
	s.rejected = rejected
	s.mu.Unlock()

	s.log.Info("Credential profiles loaded", "dir", s.dir, "valid", len(profiles), "rejected", len(rejected))
	return nil
}

// Get returns the profile with the given target label.
func (s *Store) Get(label string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[label]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return p, nil
}

// Labels returns the sorted target labels of the valid profiles.
func (s *Store) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	labels := make([]string, 0, len(s.profiles))
	for l := range s.profiles {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	return labels
}

// ByKind returns the valid profiles of the given kind, sorted by label.
func (s *Store) ByKind(kind Kind) []Profile {
	var res []Profile
	for _, l := range s.Labels() {
		p, err := s.Get(l)
		if err != nil || p.Kind != kind {
			continue
		}
		res = append(res, p)
	}
	return res
}

// Rejected returns the reason each rejected document was excluded, keyed by file name.
func (s *Store) Rejected() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make(map[string]error, len(s.rejected))
	for k, v := range s.rejected {
		res[k] = v
	}
	return res
}

// toProfile checks the required fields of the declared protocol and applies defaults.
func (d document) toProfile() (Profile, error) {
	kind, err := ParseKind(d.Protocol)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}

	p := Profile{Kind: kind, TargetLabel: strings.TrimSpace(d.TargetLabel)}
	required := map[string]string{"target_label": p.TargetLabel}

	switch kind {
	case ObjectStorage:
		p.Endpoint, p.KeyID, p.Secret, p.Location = d.Endpoint, d.AccessKeyID, d.SecretAccessKey, d.Bucket
		p.Region = d.Region
		if p.Region == "" {
			p.Region = constants.DefaultObjectStorageRegion
		}
		required["endpoint"] = p.Endpoint
		required["aws_access_key_id"] = p.KeyID
		required["aws_secret_access_key"] = p.Secret
		required["bucket"] = p.Location
	case SecureShell:
		p.Endpoint, p.KeyID, p.Secret, p.Location = d.TargetHost, d.User, d.Password, d.BasePath
		p.Port = d.Port
		if p.Port == 0 {
			p.Port = constants.DefaultSecureShellPort
		}
		p.KnownHosts = d.KnownHosts
		required["target_host"] = p.Endpoint
		required["usr"] = p.KeyID
		required["psw"] = p.Secret
		required["base_path"] = p.Location
	}

	var missing []string
	for field, v := range required {
		if v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Profile{}, fmt.Errorf("%w: %s profile misses %s", ErrInvalidProfile, kind, strings.Join(missing, ", "))
	}
	if p.Port < 0 || p.Port > 65535 {
		return Profile{}, fmt.Errorf("%w: port %d out of range", ErrInvalidProfile, p.Port)
	}

	return p, nil
}
