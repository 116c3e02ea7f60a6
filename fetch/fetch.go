// Package fetch holds what every download backend shares: the transfer
// request, the sink contract, the result classification and the chunked
// copy into a sink.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Fetcher downloads one remote file into a sink.
//
// Every call owns its connection for its whole duration, so a Fetcher is
// safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request, sink Sink) (*Result, error)
}

// Sink receives download headers and the file bytes.
// http.ResponseWriter satisfies it.
type Sink interface {
	Header() http.Header
	io.Writer
}

// ErrInvalidRequest is returned when a request misses a mandatory field.
var ErrInvalidRequest = errors.New("invalid request")

// Request describes a single transfer. It is consumed once and never stored.
type Request struct {
	Host     string
	Port     int
	User     string
	Password string
	Dir      string
	Name     string
}

// Addr returns host:port of the remote server.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Validate checks the fields every protocol needs.
func (r *Request) Validate(needHost bool) error {
	if r.Name == "" {
		return &Error{Status: InvalidRequest, Op: "validate", Err: fmt.Errorf("%w: empty name", ErrInvalidRequest)}
	}
	if needHost && r.Host == "" {
		return &Error{Status: InvalidRequest, Op: "validate", Err: fmt.Errorf("%w: empty host", ErrInvalidRequest)}
	}
	return nil
}

// Status classifies the outcome of a transfer.
type Status int

const (
	Success Status = iota
	ConnectionFailed
	AuthFailed
	FileNotFound
	TransferInterrupted
	// InvalidRequest is set when a request is rejected before any network
	// activity.
	InvalidRequest
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case ConnectionFailed:
		return "connection failed"
	case AuthFailed:
		return "authentication failed"
	case FileNotFound:
		return "file not found"
	case TransferInterrupted:
		return "transfer interrupted"
	case InvalidRequest:
		return "invalid request"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Result reports what a transfer did. It is returned even when the error is
// swallowed by the error policy.
type Result struct {
	Protocol string
	Status   Status
	Bytes    int64
	Elapsed  time.Duration
}
