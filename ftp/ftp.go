// Package ftp downloads a single file from a plaintext FTP server into a
// fetch.Sink.
package ftp

import (
	"context"
	"fmt"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/constants"
	"github.com/beyondstorage/beyond-fetch/fetch"
)

// Protocol is the name this backend registers under.
const Protocol = "ftp"

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds the TCP dial of the control and data connections.
	Timeout time.Duration
	// DisableEPSV forces PASV for the passive data connection.
	DisableEPSV bool
	// FilenameEncoding selects how the file name is sent to RETR, see EncodeName.
	FilenameEncoding string
	Errors           fetch.ErrorPolicy
}

// Fetcher downloads files over FTP. It keeps no connection between calls.
type Fetcher struct {
	opts Options
}

// New checks opts and returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if _, err := EncodeName("probe", opts.FilenameEncoding); err != nil {
		return nil, err
	}
	return &Fetcher{opts: opts}, nil
}

// Download fetches dir/name from ip:port with default options.
func Download(ctx context.Context, ip string, port int, user, password, dir, name string, sink fetch.Sink) (*fetch.Result, error) {
	f := &Fetcher{}
	return f.Fetch(ctx, &fetch.Request{
		Host:     ip,
		Port:     port,
		User:     user,
		Password: password,
		Dir:      dir,
		Name:     name,
	}, sink)
}

// Fetch connects, changes to req.Dir, retrieves req.Name into sink and
// disconnects, whatever happened in between.
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
	wireName, err := EncodeName(req.Name, f.opts.FilenameEncoding)
	if err != nil {
		return fetch.Errorf(fetch.InvalidRequest, "encode", fmt.Errorf("%w: %v", fetch.ErrInvalidRequest, err))
	}

	c, err := f.connect(ctx, req)
	if err != nil {
		return err
	}
	defer c.disconnect()

	if req.Dir != "" {
		if err := c.ChangeDir(req.Dir); err != nil {
			return classify("cd", err)
		}
	}

	r, err := c.Retr(wireName)
	if err != nil {
		return classify("retrieve", err)
	}
	zap.L().Debug("Retrieval stream open",
		zap.String("addr", req.Addr()), zap.String("dir", req.Dir), zap.String("name", req.Name))

	n, err := fetch.Stream(sink, req.Name, r, constants.FTPChunkSize)
	res.Bytes = n
	cerr := r.Close()
	if err != nil {
		return fetch.Errorf(fetch.TransferInterrupted, "copy", err)
	}
	if cerr != nil {
		return classify("retrieve", cerr)
	}
	return nil
}

// connect opens and authenticates a control connection owned by the caller.
func (f *Fetcher) connect(ctx context.Context, req *fetch.Request) (*conn, error) {
	options := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDisabledEPSV(f.opts.DisableEPSV),
	}
	if f.opts.Timeout > 0 {
		options = append(options, ftp.DialWithTimeout(f.opts.Timeout))
	}

	sc, err := ftp.Dial(req.Addr(), options...)
	if err != nil {
		return nil, classify("connect", err)
	}
	c := &conn{ServerConn: sc, addr: req.Addr()}

	if err := sc.Login(req.User, req.Password); err != nil {
		c.disconnect()
		return nil, classify("login", err)
	}
	zap.L().Debug("FTP login succeeded", zap.String("addr", req.Addr()), zap.String("user", req.User))
	return c, nil
}

// conn is a control connection scoped to one Fetch call.
type conn struct {
	*ftp.ServerConn

	addr   string
	closed bool
}

// disconnect quits the session. Calling it more than once is a no-op.
func (c *conn) disconnect() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.Quit(); err != nil {
		zap.L().Debug("FTP disconnect failed", zap.String("addr", c.addr), zap.Error(err))
	}
}
