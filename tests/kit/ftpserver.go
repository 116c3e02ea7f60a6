package kit

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/beyondstorage/go-service-memory"
	"github.com/beyondstorage/go-storage/v4/pairs"
	"github.com/beyondstorage/go-storage/v4/services"
	"github.com/beyondstorage/go-storage/v4/types"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const memoryService = "memory:///ftp"

// FTPServer is a real FTP server listening on the loopback interface and
// serving files from a go-storage memory storager.
type FTPServer struct {
	t *testing.T

	listener net.Listener
	users    map[string]string
	wg       sync.WaitGroup

	mu       sync.Mutex
	storager types.Storager
	truncate map[string]int64
	refuse   bool

	active   int32
	sessions int32
}

// NewFTPServer starts a server accepting the given user/password pairs.
// It is stopped when the test ends.
func NewFTPServer(t *testing.T, users map[string]string) *FTPServer {
	storager, err := services.NewStoragerFromString(memoryService)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &FTPServer{
		t:        t,
		listener: l,
		users:    users,
		storager: storager,
		truncate: make(map[string]int64),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Stop)
	return s
}

// Host returns the listening IP.
func (s *FTPServer) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *FTPServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Active is the number of control connections currently open.
func (s *FTPServer) Active() int {
	return int(atomic.LoadInt32(&s.active))
}

// Sessions is the number of control connections accepted so far.
func (s *FTPServer) Sessions() int {
	return int(atomic.LoadInt32(&s.sessions))
}

// Put stores content at dir/name, creating dir when needed.
func (s *FTPServer) Put(dir, name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if direr, ok := s.storager.(types.Direr); ok {
		cur := "/"
		for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
			if seg == "" {
				continue
			}
			cur = path.Join(cur, seg)
			_, err := s.storager.Stat(cur, pairs.WithObjectMode(types.ModeDir))
			if err == nil {
				continue
			}
			require.True(s.t, errors.Is(err, services.ErrObjectNotExist), "stat %s: %v", cur, err)
			_, err = direr.CreateDir(cur)
			require.NoError(s.t, err)
		}
	}

	p := path.Join("/", dir, name)
	_, err := s.storager.Write(p, bytes.NewReader(content), int64(len(content)))
	require.NoError(s.t, err)
}

// TruncateAt makes RETR of dir/name stop after n bytes and reply 426.
func (s *FTPServer) TruncateAt(dir, name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate[path.Join("/", dir, name)] = n
}

// RefuseConnections makes the server greet new clients with 421 and hang up.
func (s *FTPServer) RefuseConnections(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Stop closes the listener and waits for the accept loop.
func (s *FTPServer) Stop() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *FTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		id := strings.Replace(uuid.NewV4().String(), "-", "", -1)
		go s.serveClient(id, conn)
	}
}

func (s *FTPServer) serveClient(id string, conn net.Conn) {
	atomic.AddInt32(&s.sessions, 1)
	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)

	c := newSession(id, conn, s)
	zap.L().Debug("FTP client connected", zap.String("id", id), zap.Stringer("addr", conn.RemoteAddr()))

	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		c.WriteMessage(StatusServiceNotAvailable, "Too many connections, try again later")
		c.disconnect()
		return
	}

	c.WriteMessage(StatusServiceReady, "Welcome to the test FTP server")
	c.HandleCommands()
	zap.L().Debug("FTP client disconnected", zap.String("id", id))
}

func (s *FTPServer) stat(p string, dir bool) (*types.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir {
		return s.storager.Stat(p, pairs.WithObjectMode(types.ModeDir))
	}
	return s.storager.Stat(p)
}

// read loads the file into memory so that transfers never hold the lock
// while writing to the network. The bool reports a configured truncation.
func (s *FTPServer) read(ctx context.Context, p string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := new(bytes.Buffer)
	if _, err := s.storager.ReadWithContext(ctx, p, buf); err != nil {
		return nil, false, err
	}
	data := buf.Bytes()
	limit, truncated := s.truncate[p]
	if truncated && limit < int64(len(data)) {
		data = data[:limit]
	}
	return data, truncated, nil
}
