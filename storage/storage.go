// Package storage serves downloads from any go-storage service, so local or
// object-store sources sit behind the same interface as FTP and SFTP.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	_ "github.com/beyondstorage/go-service-fs/v3"
	_ "github.com/beyondstorage/go-service-memory"
	"github.com/beyondstorage/go-storage/v4/services"
	"github.com/beyondstorage/go-storage/v4/types"

	"github.com/beyondstorage/beyond-fetch/constants"
	"github.com/beyondstorage/beyond-fetch/fetch"
)

// Protocol is the name this backend registers under.
const Protocol = "storage"

// Fetcher reads files from a storager.
type Fetcher struct {
	storager types.Storager
	errors   fetch.ErrorPolicy
}

// New connects to the service described by connStr, e.g. "fs:///srv/files"
// or "memory:///data".
func New(connStr string, policy fetch.ErrorPolicy) (*Fetcher, error) {
	s, err := services.NewStoragerFromString(connStr)
	if err != nil {
		return nil, err
	}
	return NewWithStorager(s, policy), nil
}

// NewWithStorager wraps an existing storager.
func NewWithStorager(s types.Storager, policy fetch.ErrorPolicy) *Fetcher {
	return &Fetcher{storager: s, errors: policy}
}

// Storager returns the underlying storager.
func (f *Fetcher) Storager() types.Storager {
	return f.storager
}

// Fetch streams dir/name into sink. Host, port and credentials of req are
// ignored, the service string carries them.
func (f *Fetcher) Fetch(ctx context.Context, req *fetch.Request, sink fetch.Sink) (*fetch.Result, error) {
	start := time.Now()
	res := &fetch.Result{Protocol: Protocol}
	err := f.fetch(ctx, req, sink, res)
	return res, fetch.Finish(res, start, err, f.errors)
}

func (f *Fetcher) fetch(ctx context.Context, req *fetch.Request, sink fetch.Sink, res *fetch.Result) error {
	if err := req.Validate(false); err != nil {
		return err
	}
	// Relative to the work dir of the service, ".." cannot climb out of it.
	p := strings.TrimPrefix(path.Join("/", req.Dir, req.Name), "/")

	if _, err := f.storager.StatWithContext(ctx, p); err != nil {
		if errors.Is(err, services.ErrObjectNotExist) {
			return fetch.Errorf(fetch.FileNotFound, "stat", err)
		}
		return fetch.Errorf(fetch.ConnectionFailed, "stat", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := f.storager.ReadWithContext(ctx, p, pw)
		_ = pw.CloseWithError(err)
	}()
	defer pr.Close()

	n, err := fetch.Stream(sink, req.Name, pr, constants.StorageChunkSize)
	res.Bytes = n
	if err != nil {
		return fetch.Errorf(fetch.TransferInterrupted, "copy", err)
	}
	return nil
}
