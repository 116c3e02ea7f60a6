package ftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"

	"github.com/beyondstorage/beyond-fetch/fetch"
)

const (
	statusNotAvailable        = 421
	statusCannotOpenDataConn  = 425
	statusTransferAborted     = 426
	statusFileActionIgnored   = 450
	statusActionAborted       = 451
	statusNotLoggedIn         = 530
	statusFileUnavailable     = 550
	statusFileNameNotAllowed  = 553
	statusNeedAccountForLogin = 332
)

// classify maps an error of op to a fetch status.
func classify(op string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		switch te.Code {
		case statusNotAvailable:
			return fetch.Errorf(fetch.ConnectionFailed, op, fmt.Errorf("%w: %s", fetch.ErrConnectionClosed, te.Msg))
		case statusCannotOpenDataConn:
			return fetch.Errorf(fetch.ConnectionFailed, op, err)
		case statusNotLoggedIn, statusNeedAccountForLogin:
			return fetch.Errorf(fetch.AuthFailed, op, err)
		case statusFileActionIgnored, statusFileUnavailable, statusFileNameNotAllowed:
			return fetch.Errorf(fetch.FileNotFound, op, err)
		case statusTransferAborted, statusActionAborted:
			return fetch.Errorf(fetch.TransferInterrupted, op, err)
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fetch.Errorf(fetch.ConnectionFailed, op, fmt.Errorf("%w: %v", fetch.ErrConnectionClosed, err))
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return fetch.Errorf(fetch.ConnectionFailed, op, err)
	}

	switch op {
	case "connect":
		return fetch.Errorf(fetch.ConnectionFailed, op, err)
	case "login":
		return fetch.Errorf(fetch.AuthFailed, op, err)
	case "cd":
		return fetch.Errorf(fetch.FileNotFound, op, err)
	}
	return fetch.Errorf(fetch.TransferInterrupted, op, err)
}
