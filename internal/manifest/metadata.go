package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"github.com/ubuntu/decorate"
)

// Record is the exported metadata of one sample. It never carries the internal lab identifier.
type Record struct {
	PseudoID string
	LabCode  string
	BatchTag string
	// Files are the base names of the sample files, as stored at the destination.
	Files    []string
	Metadata map[string]any
}

// reserved keys are owned by the record and win over free metadata fields of the same name.
var reserved = []string{"pseudo_id", "lab_code", "batch_tag", "files", "internal_lab_id"}

// MarshalJSON flattens the free metadata fields next to the record fields.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		doc[k] = v
	}
	for _, k := range reserved {
		delete(doc, k)
	}

	files := r.Files
	if files == nil {
		files = []string{}
	}
	doc["pseudo_id"] = r.PseudoID
	doc["lab_code"] = r.LabCode
	doc["batch_tag"] = r.BatchTag
	doc["files"] = files
	return json.Marshal(doc)
}

// MetadataPath is the path of the metadata document of the batch in dir.
func MetadataPath(dir, batchTag string) string {
	return filepath.Join(dir, batchTag+constants.MetadataSuffix)
}

// WriteMetadata atomically writes the metadata document of the batch in dir, creating dir if needed,
// and returns its path.
func WriteMetadata(dir, batchTag string, records []Record) (path string, err error) {
	defer decorate.OnError(&err, "could not write metadata document")

	if batchTag == "" {
		return "", fmt.Errorf("empty batch tag")
	}
	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}

	path = MetadataPath(dir, batchTag)
	if err := fileutils.AtomicWrite(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}
