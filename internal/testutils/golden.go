package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// UpdateGoldenFilesEnv is the environment variable which, when set, rewrites the golden files with the current results.
const UpdateGoldenFilesEnv = "TESTS_UPDATE_GOLDEN"

var update = os.Getenv(UpdateGoldenFilesEnv) != ""

type goldenOptions struct {
	path string
}

// GoldenOption is a supported option reference to change the golden files comparison.
type GoldenOption func(*goldenOptions)

// WithGoldenPath overrides the default path of the golden file.
func WithGoldenPath(path string) GoldenOption {
	return func(o *goldenOptions) {
		if path != "" {
			o.path = path
		}
	}
}

// GoldenPath returns the golden path of the test: testdata/golden/<test name>, subtests being sub directories.
func GoldenPath(t *testing.T) string {
	t.Helper()

	return filepath.Join("testdata", "golden", filepath.FromSlash(t.Name()))
}

// LoadWithUpdateFromGolden loads the golden file of the test and returns its content.
// When UpdateGoldenFilesEnv is set, data is first written as the new golden content.
func LoadWithUpdateFromGolden(t *testing.T, data string, opts ...GoldenOption) string {
	t.Helper()

	o := goldenOptions{path: GoldenPath(t)}
	for _, opt := range opts {
		opt(&o)
	}

	if update {
		t.Logf("Updating golden file %s", o.path)
		require.NoError(t, os.MkdirAll(filepath.Dir(o.path), 0750), "Cannot create directory for updating golden files")
		require.NoError(t, os.WriteFile(o.path, []byte(data), 0600), "Cannot write updated golden file")
	}

	want, err := os.ReadFile(o.path)
	require.NoError(t, err, "Cannot load golden file %s", o.path)
	return string(want)
}

// LoadWithUpdateFromGoldenYAML serializes got as YAML, loads the golden file of the test and decodes it as E.
// Comparing the decoded values ignores the YAML layout of the golden file.
func LoadWithUpdateFromGoldenYAML[E any](t *testing.T, got E, opts ...GoldenOption) E {
	t.Helper()

	data, err := yaml.Marshal(got)
	require.NoError(t, err, "Cannot serialize provided object")

	var want E
	require.NoError(t, yaml.Unmarshal([]byte(LoadWithUpdateFromGolden(t, string(data), opts...)), &want), "Cannot deserialize golden file")
	return want
}
