// Package telnet connects to a world over a line-oriented telnet stream.
package telnet

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Telnet IAC (Interpret As Command) constants per RFC 854.
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	GA   byte = 249
	SE   byte = 240
)

// Conn wraps a TCP connection to a telnet server. It refuses every option
// the server offers, filters IAC sequences from input, and reads lines.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	writeTimeout time.Duration
}

// NewConn wraps raw.
//
// Precondition: raw must be a valid, open network connection.
func NewConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		writeTimeout: writeTimeout,
	}
}

// ReadLine reads the next line without its terminator. Text terminated by
// IAC GA is returned as a prompt. When prompts is true, unterminated text
// ending in ':' or '>' with nothing further buffered is also returned as a
// prompt.
//
// Postcondition: Returns the next line, or an error (including io.EOF).
func (c *Conn) ReadLine(prompts bool) (line string, prompt bool, err error) {
	var buf bytes.Buffer
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return buf.String(), false, err
		}

		if b == IAC {
			ga, err := c.handleIAC()
			if err != nil {
				return buf.String(), false, err
			}
			if ga && buf.Len() > 0 {
				return buf.String(), true, nil
			}
			continue
		}

		if b == '\n' {
			return buf.String(), false, nil
		}
		if b == '\r' {
			next, err := c.reader.Peek(1)
			if err == nil && len(next) > 0 && next[0] == '\n' {
				_, _ = c.reader.ReadByte()
			}
			return buf.String(), false, nil
		}

		if b < 32 && b != '\t' && b != 0x1b {
			continue
		}
		buf.WriteByte(b)

		if prompts && c.reader.Buffered() == 0 && looksLikePrompt(buf.Bytes()) {
			return buf.String(), true, nil
		}
	}
}

func looksLikePrompt(b []byte) bool {
	s := strings.TrimRight(string(b), " ")
	return strings.HasSuffix(s, ":") || strings.HasSuffix(s, ">")
}

// handleIAC processes the bytes following IAC and answers option
// negotiation with a refusal. It reports whether the command was GA.
func (c *Conn) handleIAC() (bool, error) {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return false, err
	}

	switch cmd {
	case WILL, WONT, DO, DONT:
		opt, err := c.reader.ReadByte()
		if err != nil {
			return false, err
		}
		switch cmd {
		case DO:
			return false, c.Write([]byte{IAC, WONT, opt})
		case WILL:
			return false, c.Write([]byte{IAC, DONT, opt})
		}
	case SB:
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				return false, err
			}
			if b != IAC {
				continue
			}
			next, err := c.reader.ReadByte()
			if err != nil {
				return false, err
			}
			if next == SE {
				return false, nil
			}
		}
	case GA:
		return true, nil
	}
	return false, nil
}

// WriteLine sends text followed by \r\n.
//
// Precondition: text should not contain trailing newline characters.
func (c *Conn) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := fmt.Fprintf(c.raw, "%s\r\n", text)
	return err
}

// Write sends raw bytes.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(data)
	return err
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// FilterIAC removes telnet IAC sequences from raw input bytes. An escaped
// IAC IAC yields one literal 0xFF.
func FilterIAC(input []byte) []byte {
	result := make([]byte, 0, len(input))
	i := 0
	for i < len(input) {
		if input[i] == IAC && i+1 < len(input) {
			switch input[i+1] {
			case WILL, WONT, DO, DONT:
				i += 3
				continue
			case SB:
				j := i + 2
				for j < len(input)-1 && !(input[j] == IAC && input[j+1] == SE) {
					j++
				}
				i = j + 2
				continue
			case IAC:
				result = append(result, IAC)
				i += 2
				continue
			default:
				i += 2
				continue
			}
		}
		result = append(result, input[i])
		i++
	}
	return result
}
