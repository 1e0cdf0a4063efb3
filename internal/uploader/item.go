package uploader

import (
	"path/filepath"
	"sync"
)

// ItemKind tells samples from the artifacts of a batch.
type ItemKind int

const (
	// Sample is a sample with its sequence files.
	Sample ItemKind = iota
	// MetadataDocument is the generated metadata document of the batch.
	MetadataDocument
	// CompletionMarker is the file signalling the destination that the batch is complete. It is transferred last.
	CompletionMarker
)

func (k ItemKind) String() string {
	switch k {
	case Sample:
		return "sample"
	case MetadataDocument:
		return "metadata document"
	case CompletionMarker:
		return "completion marker"
	default:
		return "unknown item"
	}
}

// Item is the unit of completion tracking of a session: one sample or one artifact.
type Item struct {
	Kind          ItemKind
	InternalLabID string
	PseudoID      string
	// Paths are absolute, in transfer order.
	Paths []string

	mu       sync.Mutex
	uploaded map[string]bool
}

// NewSample returns the item of one sample.
func NewSample(internalLabID, pseudoID string, paths []string) *Item {
	return newItem(Sample, internalLabID, pseudoID, paths)
}

// NewArtifact returns the item of a non sample file of the batch.
func NewArtifact(kind ItemKind, path string) *Item {
	return newItem(kind, "", "", []string{path})
}

func newItem(kind ItemKind, labID, pseudoID string, paths []string) *Item {
	uploaded := make(map[string]bool, len(paths))
	for _, p := range paths {
		uploaded[filepath.Base(p)] = false
	}
	return &Item{
		Kind:          kind,
		InternalLabID: labID,
		PseudoID:      pseudoID,
		Paths:         paths,
		uploaded:      uploaded,
	}
}

// Name identifies the item in messages.
func (i *Item) Name() string {
	if i.Kind == Sample {
		return "sample " + i.InternalLabID
	}
	return i.Kind.String()
}

// MarkUploaded records that the file is stored at the destination. It reports false for a file not owned by the item.
func (i *Item) MarkUploaded(filename string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.uploaded[filename]; !ok {
		return false
	}
	i.uploaded[filename] = true
	return true
}

// Uploaded reports whether the file was stored at the destination.
func (i *Item) Uploaded(filename string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.uploaded[filename]
}

// UploadComplete reports whether every file of the item is stored at the destination.
func (i *Item) UploadComplete() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, done := range i.uploaded {
		if !done {
			return false
		}
	}
	return true
}
