package transfer

import (
	"io"
	"sync"
)

// progress converts transferred byte counts to percentages, reporting each percentage once and in order.
type progress struct {
	obs  Observer
	name string
	size int64

	mu          sync.Mutex
	done        int64
	lastPercent int
}

func newProgress(obs Observer, name string, size int64) *progress {
	return &progress{obs: obs, name: name, size: size, lastPercent: -1}
}

// add accounts n more bytes.
func (p *progress) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += n
	percent := 100
	if p.size > 0 {
		percent = int(min(p.done, p.size) * 100 / p.size)
	}
	if percent <= p.lastPercent {
		return
	}
	p.lastPercent = percent
	p.obs.OnProgress(p.name, percent)
}

// finish reports the end of the transfer. An empty file is reported complete first.
func (p *progress) finish() {
	p.mu.Lock()
	report := p.lastPercent < 100
	p.mu.Unlock()

	if report {
		p.add(p.size)
	}
	p.obs.OnFinished(p.name)
}

// countingReader reports bytes read from r to a progress, keeping the first read error.
type countingReader struct {
	r   io.Reader
	p   *progress
	err error
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.p.add(int64(n))
	}
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}
