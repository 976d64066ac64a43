package testutil

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// TelnetWorld is a scripted line-oriented world server on a loopback
// listener. It serves exactly one connection.
type TelnetWorld struct {
	Host string
	Port int
}

// WorldConn is the server side of the connection a TelnetWorld accepted.
type WorldConn struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewTelnetWorld starts listening and runs script against the first
// accepted connection, closing it when script returns.
//
// Postcondition: Returns a listening world or fails the test. The listener
// is closed at test cleanup.
func NewTelnetWorld(t *testing.T, script func(c *WorldConn)) *TelnetWorld {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for telnet world: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	w := &TelnetWorld{
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(&WorldConn{conn: conn, reader: bufio.NewReader(conn), t: t})
	}()
	return w
}

// ReadLine reads one line from the client without its line terminator.
// It returns "" once the client has gone away.
func (c *WorldConn) ReadLine() string {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

// Prompt writes text with no line terminator.
func (c *WorldConn) Prompt(text string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(text)); err != nil {
		c.t.Errorf("writing prompt %q: %v", text, err)
	}
}

// Send writes a line of text to the client, appending \r\n.
//
// Precondition: text should not contain trailing newline characters.
func (c *WorldConn) Send(lines ...string) {
	for _, text := range lines {
		c.Prompt(text + "\r\n")
	}
}
