package uploader

import (
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
)

type MockTimeProvider struct {
	CurrentTime int64
}

func (m MockTimeProvider) Now() time.Time {
	return time.Unix(m.CurrentTime, 0).UTC()
}

// WithTimeProvider sets the time provider for the uploader.
func WithTimeProvider(tp timeProvider) Options {
	return func(o *options) {
		o.timeProvider = tp
	}
}

// WithWorkerFactory replaces the transfer worker constructor.
func WithWorkerFactory(f func(p credentials.Profile, batchTag, path string, obs transfer.Observer, args ...transfer.Options) (transfer.Worker, error)) Options {
	return func(o *options) {
		o.newWorker = f
	}
}
