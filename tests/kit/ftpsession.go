package kit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
)

// commandDescription defines which function handles a command and whether
// it is open to clients that have not logged in.
type commandDescription struct {
	Open bool
	Fn   func(*session)
}

var commandsMap map[string]*commandDescription

func init() {
	commandsMap = map[string]*commandDescription{
		"USER": {Fn: (*session).handleUSER, Open: true},
		"PASS": {Fn: (*session).handlePASS, Open: true},
		"FEAT": {Fn: (*session).handleFEAT, Open: true},
		"SYST": {Fn: (*session).handleSYST, Open: true},
		"NOOP": {Fn: (*session).handleNOOP, Open: true},
		"OPTS": {Fn: (*session).handleOPTS, Open: true},
		"QUIT": {Fn: (*session).handleQUIT, Open: true},
		"TYPE": {Fn: (*session).handleTYPE},
		"PWD":  {Fn: (*session).handlePWD},
		"CWD":  {Fn: (*session).handleCWD},
		"SIZE": {Fn: (*session).handleSIZE},
		"PASV": {Fn: (*session).handlePASV},
		"EPSV": {Fn: (*session).handlePASV},
		"RETR": {Fn: (*session).handleRETR},

		// Write access is never needed by the tests.
		"STOR": nil,
		"APPE": nil,
		"DELE": nil,
		"MKD":  nil,
		"RMD":  nil,
		"PORT": nil,
		"MLSD": nil,
		"MLST": nil,
	}
}

// session handles the control connection of one FTP client.
type session struct {
	id        string
	server    *FTPServer
	conn      net.Conn
	writer    *bufio.Writer
	reader    *bufio.Reader
	user      string
	loginUser string
	path      string
	command   string
	param     string
	transfer  *passiveHandler
}

func newSession(id string, conn net.Conn, server *FTPServer) *session {
	return &session{
		id:     id,
		server: server,
		conn:   conn,
		writer: bufio.NewWriter(conn),
		reader: bufio.NewReader(conn),
		path:   "/",
	}
}

// HandleCommands reads and executes commands until QUIT or EOF.
func (c *session) HandleCommands() {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Internal error", zap.String("id", c.id), zap.String("trace", string(debug.Stack())))
		}
		c.disconnect()
	}()

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				zap.L().Debug("Read error", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		zap.L().Debug("Receive command", zap.String("id", c.id), zap.String("receive", strings.TrimSpace(line)))

		command, param := parseLine(line)
		command = strings.ToUpper(command)

		desc, ok := commandsMap[command]
		if !ok {
			c.WriteMessage(StatusSyntaxErrorNotRecognised, "Unknown command")
			continue
		}
		if desc == nil {
			c.WriteMessage(StatusCommandNotImplemented, command+" command not supported")
			continue
		}
		if c.loginUser == "" && !desc.Open {
			c.WriteMessage(StatusNotLoggedIn, "Please login with USER and PASS")
			continue
		}

		c.command = command
		c.param = param
		desc.Fn(c)
		if command == "QUIT" {
			return
		}
	}
}

// WriteMessage writes a single line reply.
func (c *session) WriteMessage(code int, message string) {
	c.writeLine(fmt.Sprintf("%d %s", code, message))
}

func (c *session) writeLine(line string) {
	zap.L().Debug("FTP response", zap.String("id", c.id), zap.String("response", line))
	_, _ = c.writer.WriteString(line + "\r\n")
	_ = c.writer.Flush()
}

func (c *session) disconnect() {
	c.transferClose()
	_ = c.conn.Close()
}

func (c *session) transferOpen() (net.Conn, error) {
	if c.transfer == nil {
		return nil, errors.New("no connection declared")
	}
	c.WriteMessage(StatusFileStatusOK, "Using transfer connection")
	return c.transfer.Open()
}

func (c *session) transferClose() {
	if c.transfer != nil {
		_ = c.transfer.Close()
		c.transfer = nil
	}
}

func (c *session) absPath(p string) string {
	p = path.Clean(p)
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.path, p)
}

func (c *session) handleUSER() {
	c.user = c.param
	c.WriteMessage(StatusUserOK, "User name okay, need password.")
}

func (c *session) handlePASS() {
	if c.user == "" {
		c.WriteMessage(StatusBadCommandSequence, "User is expected before Pass")
		return
	}
	defer func() {
		c.user = ""
	}()

	if v, ok := c.server.users[c.user]; ok && v == c.param {
		c.loginUser = c.user
		c.WriteMessage(StatusUserLoggedIn, "Password ok, continue")
		return
	}
	c.WriteMessage(StatusNotLoggedIn, "Invalid username or password")
}

func (c *session) handleFEAT() {
	c.writeLine(fmt.Sprintf("%d- These are my features", StatusSystemStatus))
	for _, f := range []string{"UTF8", "SIZE", "EPSV"} {
		c.writeLine(" " + f)
	}
	c.WriteMessage(StatusSystemStatus, "End")
}

func (c *session) handleSYST() {
	c.WriteMessage(StatusSystemType, "UNIX Type: L8")
}

func (c *session) handleNOOP() {
	c.WriteMessage(StatusOK, "OK")
}

func (c *session) handleOPTS() {
	args := strings.SplitN(c.param, " ", 2)
	if strings.ToUpper(args[0]) == "UTF8" {
		c.WriteMessage(StatusOK, "I'm in UTF8 only anyway")
		return
	}
	c.WriteMessage(StatusSyntaxErrorNotRecognised, "Don't know this option")
}

func (c *session) handleQUIT() {
	c.WriteMessage(StatusClosingControlConn, "Goodbye")
}

func (c *session) handleTYPE() {
	switch c.param {
	case "I":
		c.WriteMessage(StatusOK, "Type set to binary")
	case "A":
		c.WriteMessage(StatusOK, "Type set to ASCII")
	default:
		c.WriteMessage(StatusSyntaxErrorNotRecognised, "Not understood")
	}
}

func (c *session) handlePWD() {
	c.WriteMessage(StatusPathCreated, "\""+c.path+"\" is the current directory")
}

func (c *session) handleCWD() {
	p := c.absPath(c.param)
	if _, err := c.server.stat(p, true); err != nil {
		c.WriteMessage(StatusActionNotTaken, fmt.Sprintf("CD issue: %v", err))
		return
	}
	c.path = p
	c.WriteMessage(StatusFileOK, fmt.Sprintf("CD worked on %s", p))
}

func (c *session) handleSIZE() {
	p := c.absPath(c.param)
	o, err := c.server.stat(p, false)
	if err != nil {
		c.WriteMessage(StatusActionNotTaken, fmt.Sprintf("Couldn't access %s: %v", p, err))
		return
	}
	length, ok := o.GetContentLength()
	if !ok {
		c.WriteMessage(StatusActionNotTaken, fmt.Sprintf("Couldn't access %s", p))
		return
	}
	c.WriteMessage(StatusFileStatus, fmt.Sprintf("%d", length))
}

func (c *session) handlePASV() {
	c.transferClose()
	p, err := newPassiveHandler(c.server.Host())
	if err != nil {
		c.WriteMessage(StatusCannotOpenDataConnection, "Can't open data connection.")
		return
	}
	port := p.Port()

	if c.command == "PASV" {
		p1 := port / 256
		p2 := port - (p1 * 256)
		quads := strings.Split(c.server.Host(), ".")
		c.WriteMessage(StatusEnteringPASV, fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)",
			quads[0], quads[1], quads[2], quads[3], p1, p2))
	} else {
		c.WriteMessage(StatusEnteringEPSV, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
	}
	c.transfer = p
}

func (c *session) handleRETR() {
	p := c.absPath(c.param)
	data, truncated, err := c.server.read(context.Background(), p)
	if err != nil {
		c.transferClose()
		c.WriteMessage(StatusActionNotTaken, fmt.Sprintf("Couldn't access %s: %v", p, err))
		return
	}

	tr, err := c.transferOpen()
	if err != nil {
		c.WriteMessage(StatusCannotOpenDataConnection, err.Error())
		return
	}

	_, err = tr.Write(data)
	c.transferClose()
	if err != nil || truncated {
		c.WriteMessage(StatusTransferAborted, "Connection closed; transfer aborted")
		return
	}
	c.WriteMessage(StatusClosingDataConn, "transfer finished")
}

// parseLine splits a command line into the command and its parameter.
func parseLine(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	params := strings.SplitN(line, " ", 2)
	if len(params) == 1 {
		return params[0], ""
	}
	return params[0], params[1]
}
