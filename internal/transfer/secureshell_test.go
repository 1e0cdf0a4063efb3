package transfer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"testing"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/testutils"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
)

// memFS serves an in memory file system to as many sftp clients as requested.
func memFS(t *testing.T) func() (*sftp.Client, error) {
	t.Helper()

	handlers := sftp.InMemHandler()
	return func() (*sftp.Client, error) {
		clientReader, serverWriter := io.Pipe()
		serverReader, clientWriter := io.Pipe()

		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{serverReader, serverWriter}, handlers)
		go func() {
			_ = server.Serve()
			_ = serverWriter.Close()
		}()
		t.Cleanup(func() { _ = server.Close() })

		return sftp.NewClientPipe(clientReader, clientWriter)
	}
}

func readRemote(t *testing.T, connect func() (*sftp.Client, error), remotePath string) []byte {
	t.Helper()

	c, err := connect()
	require.NoError(t, err, "Setup: could not open sftp client")
	defer c.Close()

	f, err := c.Open(remotePath)
	require.NoError(t, err, "Remote file %s should exist", remotePath)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err, "Remote file %s should be readable", remotePath)
	return data
}

func TestSecureShellRun(t *testing.T) {
	t.Parallel()

	const tag = "2024-03-01T12.00.00"

	tests := map[string]struct {
		size       int
		basePath   string
		existing   []string
		connectErr error
		removeFile bool

		wantErr error
	}{
		"Streams file into batch directory":  {size: 200_000},
		"Empty file":                         {size: 0},
		"Nested base path is created":        {size: 10, basePath: "/data/incoming/lab"},
		"Existing batch directory is reused": {size: 10, existing: []string{"/upload/" + tag + "/other.fastq"}},

		"Error on authentication":     {size: 10, connectErr: fmt.Errorf("%w: denied", transfer.ErrAuth), wantErr: transfer.ErrAuth},
		"Error on connection":         {size: 10, connectErr: fmt.Errorf("%w: refused", transfer.ErrConnection), wantErr: transfer.ErrConnection},
		"Error on remote directory":   {size: 10, basePath: "/blocker", existing: []string{"/blocker"}, wantErr: transfer.ErrRemoteDir},
		"Error on removed local file": {size: 10, removeFile: true, wantErr: transfer.ErrLocalRead},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			connect := memFS(t)
			for _, p := range tc.existing {
				c, err := connect()
				require.NoError(t, err, "Setup: could not open sftp client")
				if d := path.Dir(p); d != "/" {
					require.NoError(t, c.MkdirAll(d), "Setup: could not create remote directory")
				}
				f, err := c.Create(p)
				require.NoError(t, err, "Setup: could not create remote file")
				require.NoError(t, f.Close())
				require.NoError(t, c.Close())
			}

			opt := transfer.WithSFTPClient(connect)
			if tc.connectErr != nil {
				opt = transfer.WithSFTPClient(func() (*sftp.Client, error) { return nil, tc.connectErr })
			}

			profile := sftpProfile
			if tc.basePath != "" {
				profile.Location = tc.basePath
			}

			file, data := testutils.WriteSizedFile(t, t.TempDir(), "sample.fast5", tc.size)
			obs := &recorder{}
			w, err := transfer.New(profile, tag, file, obs, opt)
			require.NoError(t, err, "Setup: New should not return an error")
			if tc.removeFile {
				require.NoError(t, os.Remove(file), "Setup: could not remove local file")
			}

			err = w.Run(context.Background())
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "Run should return the expected failure class")
				obs.requireNotFinished(t)
				return
			}
			require.NoError(t, err, "Run should not return an error")
			obs.requireFinished(t, "sample.fast5")

			got := readRemote(t, connect, profile.Location+"/"+tag+"/sample.fast5")
			require.Equal(t, data, got, "Remote file should hold the local content")
			for _, p := range tc.existing {
				readRemote(t, connect, p)
			}
		})
	}
}

func TestSecureShellRunTwiceSameBatch(t *testing.T) {
	t.Parallel()

	connect := memFS(t)
	dir := t.TempDir()
	for _, name := range []string{"a.fastq", "b.fastq"} {
		file, _ := testutils.WriteSizedFile(t, dir, name, 64)
		w, err := transfer.New(sftpProfile, "tag", file, nil, transfer.WithSFTPClient(connect))
		require.NoError(t, err, "Setup: New should not return an error")
		require.NoError(t, w.Run(context.Background()), "Creating the batch directory should be idempotent")
	}

	require.Len(t, readRemote(t, connect, "/upload/tag/a.fastq"), 64)
	require.Len(t, readRemote(t, connect, "/upload/tag/b.fastq"), 64)
}

func TestSecureShellDialFailure(t *testing.T) {
	t.Parallel()

	profile := sftpProfile
	profile.Endpoint = "127.0.0.1"
	profile.Port = 1

	file, _ := testutils.WriteSizedFile(t, t.TempDir(), "a.fastq", 1)
	w, err := transfer.New(profile, "tag", file, nil, transfer.WithDialTimeout(2*time.Second))
	require.NoError(t, err, "Setup: New should not return an error")

	err = w.Run(context.Background())
	require.ErrorIs(t, err, transfer.ErrConnection, "Unreachable hosts should fail with a connection error")
	require.False(t, errors.Is(err, transfer.ErrAuth), "Unreachable hosts are not authentication failures")
}
