package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/beyondstorage/go-storage/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/config"
	"github.com/beyondstorage/beyond-fetch/fetch"
	"github.com/beyondstorage/beyond-fetch/storage"
	"github.com/beyondstorage/beyond-fetch/tests/kit"
)

const reportContent = "a,b,c\n1,2,3\n4,5,6"

type serverTest struct {
	suite.Suite

	ftp  *kit.FTPServer
	sftp *kit.SFTPServer
	conf *config.Config
	http *httptest.Server
}

func (t *serverTest) SetupSuite() {
	logger, err := zap.NewDevelopment()
	assert.Nil(t.T(), err)
	zap.ReplaceGlobals(logger)
}

func (t *serverTest) SetupTest() {
	t.ftp = kit.NewFTPServer(t.T(), map[string]string{"reports": "secret"})
	t.ftp.Put("/exports", "report.csv", []byte(reportContent))
	t.sftp = kit.NewSFTPServer(t.T(), map[string]string{"reports": "secret"})
	t.sftp.Put(t.T(), "/exports", "report.csv", []byte(reportContent))

	timeout := config.Duration{Duration: 5 * time.Second}
	t.conf = &config.Config{
		ListenHost: "127.0.0.1",
		AllowAdhoc: true,
		Sources: map[string]*config.SourceConfig{
			"exports": {
				Protocol: "ftp", Host: t.ftp.Host(), Port: t.ftp.Port(),
				User: "reports", Password: "secret", Timeout: timeout,
			},
			"locked": {
				Protocol: "ftp", Host: t.ftp.Host(), Port: t.ftp.Port(),
				User: "reports", Password: "wrong", Timeout: timeout,
			},
			"quiet": {
				Protocol: "ftp", Host: t.ftp.Host(), Port: t.ftp.Port(),
				User: "reports", Password: "secret", Timeout: timeout,
				TransferErrors: "swallow",
			},
			"backup": {
				Protocol: "sftp", Host: t.sftp.Host(), Port: t.sftp.Port(),
				User: "reports", Password: "secret", Timeout: timeout,
				HostKeyPolicy: "fixed", HostKey: t.sftp.AuthorizedKey(),
			},
			"local": {
				Protocol: "storage", Service: "memory:///data",
			},
		},
	}
	t.start()
}

func (t *serverTest) start() {
	s, err := NewHTTPServer(t.conf)
	t.Require().NoError(err)
	t.http = httptest.NewServer(s.Handler())
	t.T().Cleanup(t.http.Close)

	st := s.sources["local"].fetcher.(*storage.Fetcher).Storager()
	if direr, ok := st.(types.Direr); ok {
		_, err = direr.CreateDir("/exports")
		t.Require().NoError(err)
	}
	_, err = st.Write("/exports/local.csv", bytes.NewReader([]byte(reportContent)), int64(len(reportContent)))
	t.Require().NoError(err)
}

func (t *serverTest) get(path string) (*http.Response, string) {
	resp, err := http.Get(t.http.URL + path)
	t.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	t.Require().NoError(err)
	return resp, string(body)
}

func (t *serverTest) post(v interface{}) (*http.Response, string) {
	content, err := json.Marshal(v)
	t.Require().NoError(err)
	resp, err := http.Post(t.http.URL+"/download", "application/json", bytes.NewReader(content))
	t.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	t.Require().NoError(err)
	return resp, string(body)
}

func (t *serverTest) TestHealthz() {
	resp, body := t.get("/healthz")
	t.Equal(http.StatusOK, resp.StatusCode)
	t.Equal("ok", body)
	t.NotEmpty(resp.Header.Get(RequestIDHeader))
}

func (t *serverTest) TestSourceDownload() {
	for _, source := range []string{"exports", "backup"} {
		dir := "/exports"
		if source == "backup" {
			dir = t.sftp.Dir("/exports")
		}
		q := url.Values{"dir": {dir}, "name": {"report.csv"}}
		resp, body := t.get("/sources/" + source + "/files?" + q.Encode())
		t.Equal(http.StatusOK, resp.StatusCode, source)
		t.Equal(reportContent, body, source)
		t.Equal("attachment;filename=report.csv", resp.Header.Get("Content-Disposition"))
		t.Equal("application/x-msdownload", resp.Header.Get("Content-Type"))
		t.Len(resp.Header.Get(RequestIDHeader), 36)
	}
}

func (t *serverTest) TestStorageSource() {
	resp, body := t.get("/sources/local/files?dir=/exports&name=local.csv")
	t.Equal(http.StatusOK, resp.StatusCode)
	t.Equal(reportContent, body)

	resp, _ = t.get("/sources/local/files?dir=/exports&name=missing.csv")
	t.Equal(http.StatusNotFound, resp.StatusCode)
}

func (t *serverTest) TestSourceErrors() {
	cases := []struct {
		path string
		code int
	}{
		{"/sources/nowhere/files?name=report.csv", http.StatusNotFound},
		{"/sources/exports/files?dir=/exports", http.StatusBadRequest},
		{"/sources/exports/files?dir=/exports&name=missing.csv", http.StatusNotFound},
		{"/sources/exports/files?dir=/missing&name=report.csv", http.StatusNotFound},
		{"/sources/locked/files?dir=/exports&name=report.csv", http.StatusBadGateway},
		{"/sources/quiet/files?dir=/exports&name=missing.csv", http.StatusNotFound},
	}
	for _, c := range cases {
		resp, _ := t.get(c.path)
		t.Equal(c.code, resp.StatusCode, c.path)
		t.Empty(resp.Header.Get("Content-Disposition"), c.path)
	}
}

func (t *serverTest) TestConnectionRefused() {
	t.ftp.Stop()
	resp, _ := t.get("/sources/exports/files?dir=/exports&name=report.csv")
	t.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (t *serverTest) TestAdhoc() {
	resp, body := t.post(AdhocRequest{
		Protocol: "ftp", Host: t.ftp.Host(), Port: t.ftp.Port(),
		User: "reports", Password: "secret", Dir: "/exports", Name: "report.csv",
	})
	t.Equal(http.StatusOK, resp.StatusCode)
	t.Equal(reportContent, body)

	resp, body = t.post(AdhocRequest{
		Protocol: "SFTP", Host: t.sftp.Host(), Port: t.sftp.Port(),
		User: "reports", Password: "secret", Dir: t.sftp.Dir("/exports"), Name: "report.csv",
	})
	t.Equal(http.StatusOK, resp.StatusCode)
	t.Equal(reportContent, body)

	resp, _ = t.post(AdhocRequest{
		Protocol: "sftp", Host: t.sftp.Host(), Port: t.sftp.Port(),
		User: "reports", Password: "nope", Dir: t.sftp.Dir("/exports"), Name: "report.csv",
	})
	t.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (t *serverTest) TestAdhocRejected() {
	resp, _ := t.post(AdhocRequest{Protocol: "storage", Host: "h", Port: 1, Name: "n"})
	t.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = t.post(AdhocRequest{Protocol: "ftp", Host: t.ftp.Host(), Name: "n"})
	t.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = t.post(map[string]string{"protocol": "ftp", "token": "x"})
	t.Equal(http.StatusBadRequest, resp.StatusCode)

	t.conf.AllowAdhoc = false
	t.start()
	resp, _ = t.post(AdhocRequest{
		Protocol: "ftp", Host: t.ftp.Host(), Port: t.ftp.Port(),
		User: "reports", Password: "secret", Dir: "/exports", Name: "report.csv",
	})
	t.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(serverTest))
}

func TestHTTPStatus(t *testing.T) {
	invalid := fetch.Errorf(fetch.InvalidRequest, "validate", fetch.ErrInvalidRequest)
	assert.Equal(t, http.StatusBadRequest, httpStatus(fetch.InvalidRequest, invalid))
	assert.Equal(t, http.StatusBadRequest, httpStatus(fetch.InvalidRequest, nil))
	assert.Equal(t, http.StatusNotFound, httpStatus(fetch.FileNotFound, nil))
	assert.Equal(t, http.StatusBadGateway, httpStatus(fetch.AuthFailed, nil))
	assert.Equal(t, http.StatusBadGateway, httpStatus(fetch.ConnectionFailed, nil))
	assert.Equal(t, http.StatusBadGateway, httpStatus(fetch.TransferInterrupted, nil))
}

func TestNewFetcherErrors(t *testing.T) {
	_, err := NewFetcher(&config.SourceConfig{Protocol: "gopher"})
	assert.Error(t, err)
	_, err = NewFetcher(&config.SourceConfig{Protocol: "ftp", ConnectErrors: "ignore"})
	assert.Error(t, err)
	_, err = NewFetcher(&config.SourceConfig{Protocol: "ftp", FilenameEncoding: "no-such-charset"})
	assert.Error(t, err)
	_, err = NewFetcher(&config.SourceConfig{Protocol: "sftp", HostKeyPolicy: "fixed", HostKey: "garbage"})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := NewHTTPServer(&config.Config{ListenHost: "127.0.0.1"})
	require.NoError(t, err)
	assert.Empty(t, s.Addr())
	assert.Error(t, s.Serve())

	require.NoError(t, s.Start())
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	assert.NoError(t, <-done)
	assert.NoError(t, s.Stop())
}
