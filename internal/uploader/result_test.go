package uploader_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		result uploader.Result

		want []string
	}{
		"Completed": {
			result: uploader.Result{BatchTag: "tag", State: uploader.Completed, Files: 4, Transferred: 4, Committed: make([]ledger.Pair, 2)},
			want:   []string{"Batch tag uploaded", "4 files transferred", "2 identifiers recorded"},
		},
		"Persistence failure": {
			result: uploader.Result{BatchTag: "tag", State: uploader.Completed, Files: 4, Transferred: 4, Err: fmt.Errorf("%w: disk full", uploader.ErrPersistence)},
			want:   []string{"all 4 files are stored", "ledger could not be updated", "disk full", "Do not upload the batch again"},
		},
		"Transfer failure": {
			result: uploader.Result{BatchTag: "tag", State: uploader.Failed, Files: 3, Transferred: 1, Err: &uploader.FileError{Item: "sample s1", File: "b.fastq", Err: transfer.ErrAuth}},
			want:   []string{"failed on file b.fastq of sample s1", "after 1 of 3 files", "authentication failed", "No identifiers were recorded"},
		},
		"Consistency failure": {
			result: uploader.Result{BatchTag: "tag", State: uploader.Failed, Err: fmt.Errorf("%w: sample s1 is incomplete", uploader.ErrConsistency)},
			want:   []string{"upload finished but ledger not updated", "sample s1 is incomplete", "No identifiers were recorded"},
		},
		"Stopped": {
			result: uploader.Result{BatchTag: "tag", State: uploader.Idle, Files: 3, Transferred: 2},
			want:   []string{"stopped after 2 of 3 files", "No identifiers were recorded"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := tc.result.Message()
			for _, w := range tc.want {
				assert.Contains(t, got, w, "Message should mention %q", w)
			}
		})
	}
}

func TestFileErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("%w: timeout", transfer.ErrConnection)
	err := fmt.Errorf("wrapped: %w", &uploader.FileError{Item: "sample s1", File: "a.fastq", Err: cause})

	require.ErrorIs(t, err, uploader.ErrTransfer, "FileError should unwrap to ErrTransfer")
	require.ErrorIs(t, err, transfer.ErrConnection, "FileError should unwrap to the worker failure class")
	require.False(t, errors.Is(err, transfer.ErrAuth), "FileError should not match other classes")
	assert.Equal(t, "wrapped: transfer of a.fastq of sample s1 failed: connection failed: timeout", err.Error())
}
