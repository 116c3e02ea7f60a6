// Package sftp downloads a single file from an SFTP server into a
// fetch.Sink.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/beyondstorage/beyond-fetch/constants"
	"github.com/beyondstorage/beyond-fetch/fetch"
)

// Protocol is the name this backend registers under.
const Protocol = "sftp"

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds the TCP dial and the SSH handshake.
	Timeout time.Duration
	// HostKeyPolicy is one of PolicyInsecure (default), PolicyKnownHosts or
	// PolicyFixed.
	HostKeyPolicy string
	// KnownHosts is the known_hosts file used by PolicyKnownHosts.
	KnownHosts string
	// HostKey is the authorized_keys line used by PolicyFixed.
	HostKey string
	Errors  fetch.ErrorPolicy
}

// Fetcher downloads files over SFTP. It keeps no connection between calls.
type Fetcher struct {
	opts            Options
	hostKeyCallback ssh.HostKeyCallback
}

// New builds the host key policy and returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	cb, err := HostKeyCallback(opts.HostKeyPolicy, opts.KnownHosts, opts.HostKey)
	if err != nil {
		return nil, err
	}
	return &Fetcher{opts: opts, hostKeyCallback: cb}, nil
}

// DownloadFile fetches dir/name from ip:port with default options, which
// accept any host key.
func DownloadFile(ctx context.Context, ip string, port int, user, password, dir, name string, sink fetch.Sink) (*fetch.Result, error) {
	f, err := New(Options{})
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, &fetch.Request{
		Host:     ip,
		Port:     port,
		User:     user,
		Password: password,
		Dir:      dir,
		Name:     name,
	}, sink)
}

// Fetch opens an SSH session and an SFTP channel, streams dir/name into
// sink and closes everything it opened.
func (f *Fetcher) Fetch(ctx context.Context, req *fetch.Request, sink fetch.Sink) (*fetch.Result, error) {
	start := time.Now()
	res := &fetch.Result{Protocol: Protocol}
	err := f.fetch(ctx, req, sink, res)
	return res, fetch.Finish(res, start, err, f.opts.Errors)
}

func (f *Fetcher) fetch(ctx context.Context, req *fetch.Request, sink fetch.Sink, res *fetch.Result) error {
	if err := req.Validate(true); err != nil {
		return err
	}

	c, err := f.connect(ctx, req)
	if err != nil {
		return err
	}
	defer c.disconnect()

	dir := req.Dir
	if dir == "" {
		dir = "."
	}
	fi, err := c.client.Stat(dir)
	if err != nil {
		return classify("cd", err)
	}
	if !fi.IsDir() {
		return fetch.Errorf(fetch.FileNotFound, "cd", fmt.Errorf("%s is not a directory", dir))
	}

	c.file, err = c.client.Open(path.Join(dir, req.Name))
	if err != nil {
		return classify("retrieve", err)
	}
	zap.L().Debug("Retrieval stream open",
		zap.String("addr", req.Addr()), zap.String("dir", req.Dir), zap.String("name", req.Name))

	n, err := fetch.Stream(sink, req.Name, c.file, constants.SFTPChunkSize)
	res.Bytes = n
	if err != nil {
		return fetch.Errorf(fetch.TransferInterrupted, "copy", err)
	}
	return nil
}

// connect dials, authenticates and opens the sftp subsystem.
func (f *Fetcher) connect(ctx context.Context, req *fetch.Request) (*conn, error) {
	config := &ssh.ClientConfig{
		User:            req.User,
		Auth:            []ssh.AuthMethod{ssh.Password(req.Password)},
		HostKeyCallback: f.hostKeyCallback,
		Timeout:         f.opts.Timeout,
	}

	d := net.Dialer{Timeout: f.opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", req.Addr())
	if err != nil {
		return nil, fetch.Errorf(fetch.ConnectionFailed, "connect", err)
	}
	if f.opts.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(f.opts.Timeout))
	}

	sc, chans, reqs, err := ssh.NewClientConn(nc, req.Addr(), config)
	if err != nil {
		_ = nc.Close()
		return nil, classifyHandshake(err)
	}
	_ = nc.SetDeadline(time.Time{})
	client := ssh.NewClient(sc, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fetch.Errorf(fetch.ConnectionFailed, "session", err)
	}
	zap.L().Debug("SFTP channel open", zap.String("addr", req.Addr()), zap.String("user", req.User))

	return &conn{addr: req.Addr(), ssh: client, client: sftpClient}, nil
}

// conn is an SSH session with its SFTP channel, scoped to one Fetch call.
type conn struct {
	addr   string
	ssh    *ssh.Client
	client *sftp.Client
	file   *sftp.File
	closed bool
}

// disconnect closes the file, the channel and the session. Calling it more
// than once is a no-op.
func (c *conn) disconnect() {
	if c.closed {
		return
	}
	c.closed = true

	var errs *multierror.Error
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.client.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		zap.L().Debug("SFTP disconnect failed", zap.String("addr", c.addr), zap.Error(err))
	}
}
