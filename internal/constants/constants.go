// Package constants is responsible for defining the constants used in the application.
// It also provides utility functions to get the default configuration and data paths.
package constants

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// CmdName is the name of the command line tool.
	CmdName = "gms-uploader"

	// DefaultAppFolder is the name of the default root folder.
	DefaultAppFolder = "gms-uploader"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn

	// LedgerFileName is the default base name of the pseudonymous identifier ledger.
	LedgerFileName = "pseudo_ids.csv"

	// CredentialsFolder is the default name of the credential profiles folder.
	CredentialsFolder = "credentials"

	// MetadataFolder is the default name of the generated metadata documents folder.
	MetadataFolder = "metadata"

	// MetadataSuffix is appended to the batch tag to name the metadata document.
	MetadataSuffix = "_meta.json"

	// BatchTagLayout is the time layout used to derive batch tags.
	BatchTagLayout = "2006-01-02T15.04.05"

	// PseudoIDDigits is the zero padded width of the sequence part of a pseudonymous identifier.
	PseudoIDDigits = 8

	// DefaultMultipartThreshold is the file size in bytes above which object storage uploads are split in parts.
	DefaultMultipartThreshold = 10_000_000

	// DefaultMultipartChunkSize is the size in bytes of one object storage part.
	DefaultMultipartChunkSize = 10_000_000

	// DefaultMultipartConcurrency is the maximum number of parts of one file in flight at once.
	DefaultMultipartConcurrency = 15

	// DefaultObjectStorageRegion is used to sign object storage requests when the profile does not set one.
	DefaultObjectStorageRegion = "us-east-1"

	// DefaultSecureShellPort is the port used when a secure shell profile does not set one.
	DefaultSecureShellPort = 22

	// DefaultDialTimeout bounds the secure shell connection and handshake.
	DefaultDialTimeout = 30 * time.Second
)

// LedgerColumns is the exact, ordered column set of the ledger file.
var LedgerColumns = []string{"pseudo_id", "internal_lab_id", "sequence_number", "lab_code", "submitter", "batch_tag"}

// KnownFileKinds are the manifest file groups transferred first, in this order.
// Any other group follows, sorted by name.
var KnownFileKinds = []string{"fastq", "fast5"}

type options struct {
	baseDir func() (string, error)
}

type option func(*options)

// GetDefaultConfigPath is the default path to the configuration directory.
func GetDefaultConfigPath(opts ...option) string {
	o := options{baseDir: os.UserConfigDir}
	for _, opt := range opts {
		opt(&o)
	}

	return filepath.Join(getBaseDir(o.baseDir), DefaultAppFolder)
}

// GetDefaultDataPath is the default path to the directory holding the ledger and generated documents.
func GetDefaultDataPath(opts ...option) string {
	o := options{baseDir: userDataDir}
	for _, opt := range opts {
		opt(&o)
	}

	return filepath.Join(getBaseDir(o.baseDir), DefaultAppFolder)
}

// userDataDir mirrors os.UserConfigDir for data which must survive cache purges.
func userDataDir() (string, error) {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// getBaseDir is a helper function to handle the case where the baseDir function returns an error, and instead return an empty string.
func getBaseDir(baseDirFunc func() (string, error)) string {
	dir, err := baseDirFunc()
	if err != nil {
		return ""
	}
	return dir
}
