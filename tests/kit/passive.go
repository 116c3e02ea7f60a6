package kit

import (
	"net"
	"time"
)

// passiveHandler owns the data connection of a single passive transfer.
type passiveHandler struct {
	listener   *net.TCPListener
	connection net.Conn
}

func newPassiveHandler(host string) (*passiveHandler, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &passiveHandler{listener: l}, nil
}

// Port is the port the client must connect to.
func (p *passiveHandler) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Open waits for the client data connection.
func (p *passiveHandler) Open() (net.Conn, error) {
	return p.connectionWait(time.Minute)
}

// Close closes both the listener and the data connection.
func (p *passiveHandler) Close() error {
	if p.listener != nil {
		_ = p.listener.Close()
	}
	if p.connection != nil {
		_ = p.connection.Close()
	}
	return nil
}

func (p *passiveHandler) connectionWait(wait time.Duration) (net.Conn, error) {
	if p.connection == nil {
		err := p.listener.SetDeadline(time.Now().Add(wait))
		if err != nil {
			return nil, err
		}
		p.connection, err = p.listener.Accept()
		if err != nil {
			return nil, err
		}
	}

	return p.connection, nil
}
