package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/credentials"
	"github.com/pkg/sftp"
	"github.com/ubuntu/decorate"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// remoteFS is an open file protocol session and the transport carrying it.
type remoteFS struct {
	client    *sftp.Client
	transport io.Closer
}

// Close ends the session, then the transport.
func (r *remoteFS) Close() error {
	err := r.client.Close()
	if r.transport != nil {
		err = errors.Join(err, r.transport.Close())
	}
	return err
}

// connectFunc opens an authenticated session with the host of a profile.
type connectFunc func(ctx context.Context, p credentials.Profile, timeout time.Duration) (*remoteFS, error)

type secureShell struct {
	base

	connect connectFunc
	timeout time.Duration
}

func newSecureShell(b base, opts options) *secureShell {
	w := &secureShell{base: b, connect: opts.connect, timeout: opts.dialTimeout}
	if w.connect == nil {
		w.connect = dialSecureShell
	}
	return w
}

// Run connects, creates the batch directory if needed and streams the file into it.
func (w *secureShell) Run(ctx context.Context) (err error) {
	remoteDir := path.Join(w.profile.Location, w.batchTag)
	remotePath := path.Join(remoteDir, w.name)
	defer decorate.OnError(&err, "could not transfer %s to %s:%s", w.name, w.profile.Endpoint, remotePath)

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalRead, err)
	}
	defer f.Close()

	rfs, err := w.connect(ctx, w.profile, w.timeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := rfs.Close(); err != nil {
			w.log.Debug("Failed to close secure shell session", "error", err)
		}
	}()

	if err := rfs.client.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("%w %s: %v", ErrRemoteDir, remoteDir, err)
	}

	dst, err := rfs.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: could not create %s: %v", ErrRemote, remotePath, err)
	}

	src := &countingReader{r: io.LimitReader(f, w.size), p: w.progress}
	n, err := io.Copy(dst, src)
	closeErr := dst.Close()
	if src.err != nil {
		return fmt.Errorf("%w: %v", ErrLocalRead, src.err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", ErrRemote, closeErr)
	}
	if n != w.size {
		return fmt.Errorf("%w: read %d bytes, expected %d", ErrLocalRead, n, w.size)
	}

	w.log.Debug("Transferred file", "remote_path", remotePath, "size", n)
	w.progress.finish()
	return nil
}

// dialSecureShell authenticates with the profile password. Host keys are checked against the profile
// known hosts file when set, and are not verified otherwise.
func dialSecureShell(ctx context.Context, p credentials.Profile, timeout time.Duration) (*remoteFS, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // Profiles without known hosts opt out of verification.
	if p.KnownHosts != "" {
		cb, err := knownhosts.New(p.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("%w: could not read known hosts: %v", ErrConnection, err)
		}
		hostKeyCallback = cb
	}

	cfg := &ssh.ClientConfig{
		User:            p.KeyID,
		Auth:            []ssh.AuthMethod{ssh.Password(p.Secret)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(p.Endpoint, strconv.Itoa(p.Port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	s, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: could not start sftp subsystem: %v", ErrConnection, err)
	}

	return &remoteFS{client: s, transport: client}, nil
}
