package ftp

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/fetch"
	"github.com/beyondstorage/beyond-fetch/tests/kit"
)

const reportContent = "a,b,c\n1,2,3\n4,5,6"

type ftpFetcherTest struct {
	suite.Suite

	server *kit.FTPServer
}

func (t *ftpFetcherTest) SetupSuite() {
	logger, err := zap.NewDevelopment()
	assert.Nil(t.T(), err)
	zap.ReplaceGlobals(logger)
}

func (t *ftpFetcherTest) SetupTest() {
	t.server = kit.NewFTPServer(t.T(), map[string]string{"reports": "secret"})
	t.server.Put("/exports", "report.csv", []byte(reportContent))
}

func (t *ftpFetcherTest) request(dir, name string) *fetch.Request {
	return &fetch.Request{
		Host:     t.server.Host(),
		Port:     t.server.Port(),
		User:     "reports",
		Password: "secret",
		Dir:      dir,
		Name:     name,
	}
}

func (t *ftpFetcherTest) fetcher(opts Options) *Fetcher {
	f, err := New(opts)
	require.NoError(t.T(), err)
	return f
}

func (t *ftpFetcherTest) waitDisconnected() {
	assert.Eventually(t.T(), func() bool {
		return t.server.Active() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func (t *ftpFetcherTest) TestDownloadReport() {
	rec := httptest.NewRecorder()

	res, err := Download(context.Background(), t.server.Host(), t.server.Port(),
		"reports", "secret", "/exports", "report.csv", rec)
	t.Require().NoError(err)

	t.Equal(fetch.Success, res.Status)
	t.Equal(int64(17), res.Bytes)
	t.Equal(Protocol, res.Protocol)
	t.Equal(reportContent, rec.Body.String())
	t.Equal("attachment;filename=report.csv", rec.Header().Get("Content-Disposition"))
	t.Equal("application/x-msdownload", rec.Header().Get("Content-Type"))
	t.waitDisconnected()
}

func (t *ftpFetcherTest) TestLargeFileWithPASV() {
	content := make([]byte, 1024*1024+7)
	rand.Read(content)
	t.server.Put("/big", "blob.bin", content)

	rec := httptest.NewRecorder()
	res, err := t.fetcher(Options{DisableEPSV: true, Timeout: 5 * time.Second}).
		Fetch(context.Background(), t.request("/big", "blob.bin"), rec)
	t.Require().NoError(err)
	t.Equal(int64(len(content)), res.Bytes)
	t.True(bytes.Equal(content, rec.Body.Bytes()))
}

func (t *ftpFetcherTest) TestFileNotFound() {
	rec := httptest.NewRecorder()
	res, err := t.fetcher(Options{}).Fetch(context.Background(), t.request("/exports", "missing.csv"), rec)

	t.Equal(fetch.FileNotFound, fetch.StatusOf(err))
	t.Equal(fetch.FileNotFound, res.Status)
	t.False(fetch.HeadersCommitted(rec.Header()))
	t.Zero(rec.Body.Len())
	t.waitDisconnected()
}

func (t *ftpFetcherTest) TestDirectoryNotFound() {
	rec := httptest.NewRecorder()
	res, err := t.fetcher(Options{}).Fetch(context.Background(), t.request("/nowhere", "report.csv"), rec)

	t.Error(err)
	t.Equal(fetch.FileNotFound, res.Status)
	t.False(fetch.HeadersCommitted(rec.Header()))
	t.waitDisconnected()
}

func (t *ftpFetcherTest) TestWrongPassword() {
	req := t.request("/exports", "report.csv")
	req.Password = "nope"

	res, err := t.fetcher(Options{}).Fetch(context.Background(), req, httptest.NewRecorder())
	t.Equal(fetch.AuthFailed, fetch.StatusOf(err))
	t.Equal(fetch.AuthFailed, res.Status)
	t.waitDisconnected()
}

func (t *ftpFetcherTest) TestConnectionClosedByServer() {
	t.server.RefuseConnections(true)

	res, err := t.fetcher(Options{}).Fetch(context.Background(), t.request("/exports", "report.csv"), httptest.NewRecorder())
	t.True(errors.Is(err, fetch.ErrConnectionClosed))
	t.Equal(fetch.ConnectionFailed, res.Status)
}

func (t *ftpFetcherTest) TestConnectionRefused() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	t.Require().NoError(err)
	addr := l.Addr().(*net.TCPAddr)
	t.Require().NoError(l.Close())

	req := t.request("/exports", "report.csv")
	req.Port = addr.Port
	res, err := t.fetcher(Options{Timeout: time.Second}).Fetch(context.Background(), req, httptest.NewRecorder())
	t.Equal(fetch.ConnectionFailed, fetch.StatusOf(err))
	t.Equal(fetch.ConnectionFailed, res.Status)
}

func (t *ftpFetcherTest) TestTransferInterrupted() {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	t.server.Put("/exports", "cut.bin", content)
	t.server.TruncateAt("/exports", "cut.bin", 4000)

	rec := httptest.NewRecorder()
	res, err := t.fetcher(Options{}).Fetch(context.Background(), t.request("/exports", "cut.bin"), rec)
	t.Equal(fetch.TransferInterrupted, fetch.StatusOf(err))
	t.Equal(int64(4000), res.Bytes)
	t.Equal(content[:4000], rec.Body.Bytes())
	t.waitDisconnected()
}

func (t *ftpFetcherTest) TestSwallowTransferErrors() {
	f := t.fetcher(Options{Errors: fetch.ErrorPolicy{Connect: fetch.Propagate, Transfer: fetch.Swallow}})

	res, err := f.Fetch(context.Background(), t.request("/exports", "missing.csv"), httptest.NewRecorder())
	t.NoError(err)
	t.Equal(fetch.FileNotFound, res.Status)

	req := t.request("/exports", "report.csv")
	req.Password = "nope"
	res, err = f.Fetch(context.Background(), req, httptest.NewRecorder())
	t.Error(err)
	t.Equal(fetch.AuthFailed, res.Status)
}

func (t *ftpFetcherTest) TestUTF8FilenameOnTheWire() {
	t.server.Put("/exports", "état.csv", []byte(reportContent))

	rec := httptest.NewRecorder()
	res, err := t.fetcher(Options{FilenameEncoding: EncodingRaw}).
		Fetch(context.Background(), t.request("/exports", "état.csv"), rec)
	t.Require().NoError(err)
	t.Equal(int64(17), res.Bytes)
	t.Equal(reportContent, rec.Body.String())
	t.Equal("attachment;filename=%C3%A9tat.csv", rec.Header().Get("Content-Disposition"))

	// latin1 double-encodes the name, so the UTF-8 file is not found.
	res, err = t.fetcher(Options{FilenameEncoding: EncodingLatin1}).
		Fetch(context.Background(), t.request("/exports", "état.csv"), httptest.NewRecorder())
	t.Equal(fetch.FileNotFound, fetch.StatusOf(err))
	t.Equal(fetch.FileNotFound, res.Status)
}

func (t *ftpFetcherTest) TestLatin1FindsDoubleEncodedName() {
	t.server.Put("/exports", "Ã©tat.csv", []byte(reportContent))

	res, err := t.fetcher(Options{FilenameEncoding: EncodingLatin1}).
		Fetch(context.Background(), t.request("/exports", "état.csv"), httptest.NewRecorder())
	t.Require().NoError(err)
	t.Equal(int64(17), res.Bytes)
}

func (t *ftpFetcherTest) TestConcurrentDownloadsAreIsolated() {
	contents := make([][]byte, 4)
	for i := range contents {
		contents[i] = make([]byte, 256*1024+i)
		rand.Read(contents[i])
		t.server.Put("/parallel", string(rune('a'+i))+".bin", contents[i])
	}

	f := t.fetcher(Options{})
	recs := make([]*httptest.ResponseRecorder, len(contents))
	errs := make([]error, len(contents))

	wg := sync.WaitGroup{}
	for i := range contents {
		recs[i] = httptest.NewRecorder()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Fetch(context.Background(), t.request("/parallel", string(rune('a'+i))+".bin"), recs[i])
		}(i)
	}
	wg.Wait()

	for i := range contents {
		t.NoError(errs[i])
		t.True(bytes.Equal(contents[i], recs[i].Body.Bytes()), "transfer %d corrupted", i)
	}
	t.Equal(len(contents), t.server.Sessions())
	t.waitDisconnected()
}

func TestFTPFetcherTestSuite(t *testing.T) {
	suite.Run(t, new(ftpFetcherTest))
}

func TestEncodeName(t *testing.T) {
	cases := []struct {
		name     string
		encoding string
		expect   string
	}{
		{"report.csv", "", "report.csv"},
		{"report.csv", EncodingLatin1, "report.csv"},
		{"é.txt", EncodingRaw, "é.txt"},
		{"é.txt", EncodingLatin1, "Ã©.txt"},
		{"报表.csv", "GB18030", "\xb1\xa8\xb1\xed.csv"},
	}
	for _, c := range cases {
		got, err := EncodeName(c.name, c.encoding)
		assert.NoError(t, err)
		assert.Equal(t, c.expect, got, "%s as %s", c.name, c.encoding)
	}

	_, err := EncodeName("a", "no-such-charset")
	assert.Error(t, err)

	_, err = New(Options{FilenameEncoding: "no-such-charset"})
	assert.Error(t, err)
}

func TestValidateBeforeConnect(t *testing.T) {
	res, err := Download(context.Background(), "", 21, "u", "p", "/", "x", httptest.NewRecorder())
	assert.True(t, errors.Is(err, fetch.ErrInvalidRequest))
	assert.Equal(t, fetch.InvalidRequest, res.Status)

	f, err := New(Options{FilenameEncoding: "windows-1252"})
	require.NoError(t, err)
	res, err = f.Fetch(context.Background(), &fetch.Request{Host: "127.0.0.1", Port: 21, Name: "报表.csv"}, httptest.NewRecorder())
	assert.True(t, errors.Is(err, fetch.ErrInvalidRequest))
	assert.Equal(t, fetch.InvalidRequest, res.Status)
}
