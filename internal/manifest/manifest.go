// Package manifest decodes and validates batch manifests, the list of samples and files of one upload.
package manifest

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a manifest fails validation.
var ErrInvalid = errors.New("invalid manifest")

// Sample is one sample of a batch.
type Sample struct {
	InternalLabID string `yaml:"internal_lab_id" json:"internal_lab_id"`
	// BaseDir overrides the manifest base directory for this sample. A relative one is joined to the manifest base directory.
	BaseDir string `yaml:"base_dir,omitempty" json:"base_dir,omitempty"`
	// Files are relative file names grouped by file kind, such as fastq or fast5.
	Files map[string][]string `yaml:"files" json:"files"`
	// Metadata holds free fields exported as is in the metadata document.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Manifest is a batch of samples.
type Manifest struct {
	BaseDir string   `yaml:"base_dir" json:"base_dir"`
	Samples []Sample `yaml:"samples" json:"samples"`
}

// Load reads a YAML or JSON manifest document. A relative base directory is resolved against the directory of the document.
// Keys other than the documented ones are rejected, except under metadata. The manifest is not validated.
func Load(path string) (m Manifest, err error) {
	defer decorate.OnError(&err, "could not load manifest %q", path)

	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := fileutils.ParseJSON(f, &m, fileutils.WithStrictFields()); err != nil {
			return Manifest{}, err
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&m); errors.Is(err, io.EOF) {
			return Manifest{}, errors.New("empty document")
		} else if err != nil {
			return Manifest{}, err
		}
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}

	if !filepath.IsAbs(m.BaseDir) {
		dir, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return Manifest{}, err
		}
		m.BaseDir = filepath.Join(dir, m.BaseDir)
	}
	return m, nil
}

// Validate checks that the manifest has samples, that every sample has a lab identifier and files,
// and that every file exists as a regular file with a name unique in the batch.
// All problems are reported together.
func (m Manifest) Validate() error {
	if len(m.Samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrInvalid)
	}

	var errs []error
	names := make(map[string]string)
	for i, s := range m.Samples {
		id := s.InternalLabID
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("sample %d has no internal lab identifier", i+1))
			id = fmt.Sprintf("#%d", i+1)
		}

		paths := m.Paths(s)
		if len(paths) == 0 {
			errs = append(errs, fmt.Errorf("sample %s has no files", id))
		}
		for _, p := range paths {
			if !fileutils.IsRegularFile(p) {
				errs = append(errs, fmt.Errorf("sample %s: %q is not a regular file", id, p))
			}
			name := filepath.Base(p)
			if other, ok := names[name]; ok {
				errs = append(errs, fmt.Errorf("sample %s: file name %q already used by sample %s", id, name, other))
				continue
			}
			names[name] = id
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LabIDs returns the internal lab identifiers of the samples, in manifest order.
func (m Manifest) LabIDs() []string {
	ids := make([]string, 0, len(m.Samples))
	for _, s := range m.Samples {
		ids = append(ids, s.InternalLabID)
	}
	return ids
}

// Paths returns the absolute paths of the files of the sample in transfer order:
// known kinds first, then other kinds by name, names in document order within a kind.
func (m Manifest) Paths(s Sample) []string {
	dir := m.BaseDir
	if s.BaseDir != "" {
		dir = s.BaseDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(m.BaseDir, dir)
		}
	}

	var paths []string
	for _, kind := range kinds(s.Files) {
		for _, name := range s.Files[kind] {
			if filepath.IsAbs(name) {
				paths = append(paths, filepath.Clean(name))
				continue
			}
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

func kinds(files map[string][]string) []string {
	rank := func(kind string) int {
		if i := slices.Index(constants.KnownFileKinds, strings.ToLower(kind)); i >= 0 {
			return i
		}
		return len(constants.KnownFileKinds)
	}

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), cmp.Compare(a, b))
	})
	return keys
}
