package transfer

import (
	"context"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/pkg/sftp"
)

// ClassifyObjectStorage exposes the S3 error classification for tests.
var ClassifyObjectStorage = classifyObjectStorage

// WithS3Client replaces the S3 client built from the profile.
func WithS3Client(c S3API) Options {
	return func(o *options) {
		o.s3Client = c
	}
}

// WithSFTPClient replaces the secure shell connection with the session returned by connect.
// A nil client with a nil error is invalid.
func WithSFTPClient(connect func() (*sftp.Client, error)) Options {
	return func(o *options) {
		o.connect = func(context.Context, credentials.Profile, time.Duration) (*remoteFS, error) {
			c, err := connect()
			if err != nil {
				return nil, err
			}
			return &remoteFS{client: c}, nil
		}
	}
}
