package server

import (
	"fmt"
	"time"

	"github.com/beyondstorage/beyond-fetch/config"
	"github.com/beyondstorage/beyond-fetch/fetch"
	"github.com/beyondstorage/beyond-fetch/ftp"
	"github.com/beyondstorage/beyond-fetch/sftp"
	"github.com/beyondstorage/beyond-fetch/storage"
)

// NewFetcher builds the fetcher described by sc.
func NewFetcher(sc *config.SourceConfig) (fetch.Fetcher, error) {
	policy, err := errorPolicy(sc)
	if err != nil {
		return nil, err
	}

	switch sc.Protocol {
	case ftp.Protocol:
		return ftp.New(ftp.Options{
			Timeout:          sc.Timeout.Duration,
			DisableEPSV:      sc.DisableEPSV,
			FilenameEncoding: sc.FilenameEncoding,
			Errors:           policy,
		})
	case sftp.Protocol:
		return sftp.New(sftp.Options{
			Timeout:       sc.Timeout.Duration,
			HostKeyPolicy: sc.HostKeyPolicy,
			KnownHosts:    sc.KnownHosts,
			HostKey:       sc.HostKey,
			Errors:        policy,
		})
	case storage.Protocol:
		return storage.New(sc.Service, policy)
	}
	return nil, fmt.Errorf("unknown protocol %q", sc.Protocol)
}

func errorPolicy(sc *config.SourceConfig) (fetch.ErrorPolicy, error) {
	connect, err := fetch.ParsePolicy(sc.ConnectErrors)
	if err != nil {
		return fetch.ErrorPolicy{}, fmt.Errorf("connect-errors: %w", err)
	}
	transfer, err := fetch.ParsePolicy(sc.TransferErrors)
	if err != nil {
		return fetch.ErrorPolicy{}, fmt.Errorf("transfer-errors: %w", err)
	}
	return fetch.ErrorPolicy{Connect: connect, Transfer: transfer}, nil
}

// source pairs a fetcher with the connection details of a configured source.
type source struct {
	fetcher fetch.Fetcher
	conf    *config.SourceConfig
}

func (s source) request(dir, name string) *fetch.Request {
	return &fetch.Request{
		Host:     s.conf.Host,
		Port:     s.conf.Port,
		User:     s.conf.User,
		Password: s.conf.Password,
		Dir:      dir,
		Name:     name,
	}
}

// adhocTimeout bounds dials made with per-request credentials.
const adhocTimeout = 30 * time.Second

// adhocFetchers serve POST /download. Only network protocols are offered, a
// storage service string would expose the local filesystem.
func adhocFetchers() (map[string]fetch.Fetcher, error) {
	f, err := ftp.New(ftp.Options{Timeout: adhocTimeout})
	if err != nil {
		return nil, err
	}
	s, err := sftp.New(sftp.Options{Timeout: adhocTimeout})
	if err != nil {
		return nil, err
	}
	return map[string]fetch.Fetcher{
		ftp.Protocol:  f,
		sftp.Protocol: s,
	}, nil
}
