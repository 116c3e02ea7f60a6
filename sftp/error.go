package sftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/sftp"

	"github.com/beyondstorage/beyond-fetch/fetch"
)

// classifyHandshake matches on the message because x/crypto/ssh returns
// client side authentication failures as plain errors, with no exported type
// or sentinel.
func classifyHandshake(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fetch.Errorf(fetch.AuthFailed, "login", err)
	}
	return fetch.Errorf(fetch.ConnectionFailed, "handshake", err)
}

// classify maps an error of a remote file operation to a fetch status.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return fetch.Errorf(fetch.FileNotFound, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, net.ErrClosed):
		return fetch.Errorf(fetch.ConnectionFailed, op, fmt.Errorf("%w: %v", fetch.ErrConnectionClosed, err))
	}
	return fetch.Errorf(fetch.TransferInterrupted, op, err)
}
