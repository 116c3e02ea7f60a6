package kit

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SFTPServer is an SSH server on the loopback interface exposing the sftp
// subsystem read-only over a temporary directory.
type SFTPServer struct {
	// Root is the directory the server exposes. Remote paths are absolute
	// local paths below Root.
	Root   string
	Signer ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu   sync.Mutex
	cuts map[string]int64

	active   int32
	sessions int32
}

// NewSFTPServer starts a server accepting the given user/password pairs.
// It is stopped when the test ends.
func NewSFTPServer(t *testing.T, users map[string]string) *SFTPServer {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if v, ok := users[c.User()]; ok && v == string(pass) {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &SFTPServer{
		Root:     t.TempDir(),
		Signer:   signer,
		listener: l,
		config:   config,
		cuts:     make(map[string]int64),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Stop)
	return s
}

// Host returns the listening IP.
func (s *SFTPServer) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *SFTPServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *SFTPServer) Addr() string {
	return s.listener.Addr().String()
}

// AuthorizedKey returns the host public key in authorized_keys format.
func (s *SFTPServer) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.Signer.PublicKey())))
}

// Active is the number of SSH connections currently open.
func (s *SFTPServer) Active() int {
	return int(atomic.LoadInt32(&s.active))
}

// Sessions is the number of SSH connections accepted so far.
func (s *SFTPServer) Sessions() int {
	return int(atomic.LoadInt32(&s.sessions))
}

// Dir maps a remote directory to the path the client must use.
func (s *SFTPServer) Dir(dir string) string {
	return filepath.Join(s.Root, filepath.FromSlash(dir))
}

// Put writes content at dir/name below Root.
func (s *SFTPServer) Put(t *testing.T, dir, name string, content []byte) {
	d := s.Dir(dir)
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, name), content, 0o644))
}

// CloseAfter makes reads of dir/name return the first n bytes, then drop
// the whole SSH connection. With n == 0 the connection drops on open.
func (s *SFTPServer) CloseAfter(dir, name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cuts[filepath.Join(s.Dir(dir), name)] = n
}

func (s *SFTPServer) cutAt(p string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.cuts[filepath.Clean(p)]
	return n, ok
}

// Stop closes the listener and waits for the accept loop.
func (s *SFTPServer) Stop() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *SFTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveClient(conn)
	}
}

func (s *SFTPServer) serveClient(conn net.Conn) {
	atomic.AddInt32(&s.sessions, 1)
	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		zap.L().Debug("SSH handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(conn, channel, requests)
	}
}

func (s *SFTPServer) serveSession(conn net.Conn, channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		_ = req.Reply(ok, nil)
		if !ok {
			continue
		}
		go func() {
			h := &fileHandler{server: s, conn: conn}
			server := sftp.NewRequestServer(channel, sftp.Handlers{
				FileGet:  h,
				FilePut:  h,
				FileCmd:  h,
				FileList: h,
			})
			if err := server.Serve(); err != nil {
				zap.L().Debug("SFTP session ended", zap.Error(err))
			}
			_ = server.Close()
		}()
	}
}

// fileHandler serves Root read-only.
type fileHandler struct {
	server *SFTPServer
	conn   net.Conn
}

func (h *fileHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	n, cut := h.server.cutAt(r.Filepath)
	if cut && n == 0 {
		_ = h.conn.Close()
		return nil, errConnectionDropped
	}

	f, err := os.Open(r.Filepath)
	if err != nil {
		return nil, err
	}
	if !cut {
		return f, nil
	}
	return &cutReader{File: f, limit: n, conn: h.conn}, nil
}

func (h *fileHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return nil, os.ErrPermission
}

func (h *fileHandler) Filecmd(r *sftp.Request) error {
	return os.ErrPermission
}

func (h *fileHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := os.ReadDir(r.Filepath)
		if err != nil {
			return nil, err
		}
		infos := make(listerAt, 0, len(entries))
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				return nil, err
			}
			infos = append(infos, fi)
		}
		return infos, nil
	case "Stat", "Lstat":
		fi, err := os.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerAt{fi}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

var errConnectionDropped = errors.New("connection dropped")

// cutReader serves the first limit bytes and drops the connection on any
// read past them.
type cutReader struct {
	*os.File
	limit int64
	conn  net.Conn
}

func (c *cutReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= c.limit {
		_ = c.conn.Close()
		return 0, errConnectionDropped
	}
	if rest := c.limit - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	return c.File.ReadAt(p, off)
}
