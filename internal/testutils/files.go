// Package testutils holds helpers shared by the tests of the module.
package testutils

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// CopyFile copies a file from source to destination.
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destinationFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destinationFile.Close()

	_, err = io.Copy(destinationFile, sourceFile)
	return err
}

// CopyDir copies the contents of a directory to another directory.
func CopyDir(srcDir, dstDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dstDir, relPath)
		if info.IsDir() {
			return os.MkdirAll(dstPath, 0750)
		}
		return CopyFile(path, dstPath)
	})
}

// WriteFile writes content to name under dir, creating parent directories, and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750), "Setup: could not create parent directory")
	require.NoError(t, os.WriteFile(p, []byte(content), 0600), "Setup: could not write file")
	return p
}

// WriteSizedFile writes a file of size bytes with a repeating pattern and returns its path and content.
func WriteSizedFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750), "Setup: could not create parent directory")
	require.NoError(t, os.WriteFile(p, data, 0600), "Setup: could not write file")
	return p, data
}

// GetDirContents returns the contents of a directory as a map of slash separated relative paths to file contents.
// Directories deeper than maxDepth are an error.
func GetDirContents(t *testing.T, dir string, maxDepth uint) (map[string]string, error) {
	t.Helper()

	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if depth := uint(len(bytes.Split([]byte(filepath.ToSlash(relPath)), []byte("/")))); depth > maxDepth {
			return fmt.Errorf("max depth %d exceeded at %s", maxDepth, relPath)
		}
		if d.IsDir() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(relPath)] = string(bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n")))
		return nil
	})
	return files, err
}
