// Package wire implements the framing used to exchange self-delimiting JSON
// messages over a plain net.Conn: no length prefix, just concatenated JSON
// values read with a growing buffer.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// initReadBufferLen is the starting size of the read buffer. It doubles
// whenever a read fills it without completing a message.
const initReadBufferLen = 32 * 1024

// Stream wraps a net.Conn with message-level Send/Receive. Receive must only
// be called from a single goroutine (serverconn/workerctl each run one read
// loop per connection); Send may be called from several goroutines at once
// and serializes them on sendMu.
type Stream struct {
	conn net.Conn

	readBuf []byte // scratch buffer for conn.Read; holds the bytes of the last read
	msgBuf  []byte // bytes read from conn but not yet consumed by extractMessage

	sendMu sync.Mutex
}

// New wraps conn for framed message exchange.
func New(conn net.Conn) *Stream {
	return &Stream{
		conn:    conn,
		readBuf: make([]byte, 0, initReadBufferLen),
	}
}

// Conn returns the underlying connection, e.g. for RemoteAddr() or Close().
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// Send marshals v to JSON and writes it to the connection. Concurrent
// senders are serialized.
func (s *Stream) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ErrClosed is returned by Receive when the peer closed the connection
// cleanly between messages (no partial message pending).
var ErrClosed = io.EOF

// Receive blocks until a complete JSON value has been read from the
// connection and unmarshals it into v. A JSON syntax error is treated as
// fatal to the stream: framing is not self-resynchronizing, so a malformed
// message poisons the connection and Receive returns a non-nil error on
// every subsequent call too.
func (s *Stream) Receive(v interface{}) error {
	for {
		if msg, rest, ok, err := extractMessage(s.msgBuf); err != nil {
			return fmt.Errorf("parse message: %w", err)
		} else if ok {
			s.msgBuf = rest
			s.readBuf = s.readBuf[:0]
			return json.Unmarshal(msg, v)
		}

		if len(s.readBuf) == cap(s.readBuf) {
			// The last read filled the buffer without completing a message:
			// grow it. Its bytes are already copied into msgBuf.
			s.readBuf = make([]byte, 0, cap(s.readBuf)*2)
		}

		n, err := s.conn.Read(s.readBuf[:cap(s.readBuf)])
		s.readBuf = s.readBuf[:n]
		if n > 0 {
			s.msgBuf = append(s.msgBuf, s.readBuf...)
		}
		if err != nil {
			if err == io.EOF && len(s.msgBuf) == 0 {
				return ErrClosed
			}
			return fmt.Errorf("read from connection: %w", err)
		}
	}
}

// extractMessage tries to decode a single complete JSON value from the
// front of buf. ok is false if buf holds an incomplete value (need more
// bytes); err is non-nil only for a genuine syntax error, which is fatal.
func extractMessage(buf []byte) (msg []byte, rest []byte, ok bool, err error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, buf, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	var raw json.RawMessage
	if decErr := dec.Decode(&raw); decErr != nil {
		if decErr == io.EOF || decErr == io.ErrUnexpectedEOF {
			return nil, buf, false, nil
		}
		return nil, buf, false, decErr
	}

	consumed := dec.InputOffset()
	return raw, buf[consumed:], true, nil
}
