/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netsim implements the network simulator adapter: a JSON-RPC
// 2.0 client over WebSocket or newline-delimited TCP, with per-request
// correlation futures, notification fan-out, and exponential backoff
// reconnection.
package netsim

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// Conn is one established message-framed transport connection.
type Conn interface {
	// ReadMessage returns the next JSON document.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one JSON document.
	WriteMessage(data []byte) error
	// Close tears the connection down.
	Close() error
}

// Dialer establishes a transport connection.
type Dialer func(ctx context.Context) (Conn, error)

// NewDialer builds a dialer from a netsim URL. Supported schemes:
// ws:// and wss:// (one JSON document per text frame) and tcp:// and
// tcps:// (one JSON document per line).
func NewDialer(rawURL string, timeout time.Duration) (Dialer, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, trace.BadParameter("invalid netsim URL %q: %v", rawURL, err)
	}
	if timeout == 0 {
		timeout = defaults.NetsimConnectTimeout
	}
	switch parsed.Scheme {
	case "ws", "wss":
		return func(ctx context.Context) (Conn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: timeout}
			conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
			if err != nil {
				if resp != nil {
					resp.Body.Close()
				}
				return nil, trace.ConnectionProblem(err, "failed to connect to %v", rawURL)
			}
			if resp != nil {
				resp.Body.Close()
			}
			return &wsConn{conn: conn}, nil
		}, nil
	case "tcp", "tcps":
		useTLS := parsed.Scheme == "tcps"
		addr := parsed.Host
		return func(ctx context.Context) (Conn, error) {
			dialer := &net.Dialer{Timeout: timeout}
			var raw net.Conn
			var err error
			if useTLS {
				raw, err = tls.DialWithDialer(dialer, "tcp", addr, nil)
			} else {
				raw, err = dialer.DialContext(ctx, "tcp", addr)
			}
			if err != nil {
				return nil, trace.ConnectionProblem(err, "failed to connect to %v", addr)
			}
			return NewLineConn(raw), nil
		}, nil
	}
	return nil, trace.BadParameter("unsupported netsim scheme %q", parsed.Scheme)
}

// wsConn frames one JSON document per websocket text frame.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "websocket read failed")
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return trace.ConnectionProblem(err, "websocket write failed")
	}
	return nil
}

func (c *wsConn) Close() error {
	return trace.Wrap(c.conn.Close())
}

// lineConn frames one JSON document per newline-terminated UTF-8 line.
type lineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewLineConn wraps a stream connection with line framing.
func NewLineConn(conn net.Conn) Conn {
	return &lineConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineConn) ReadMessage() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, trace.ConnectionProblem(err, "netsim read failed")
	}
	return line[:len(line)-1], nil
}

func (c *lineConn) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := c.conn.Write(buf); err != nil {
		return trace.ConnectionProblem(err, "netsim write failed")
	}
	return nil
}

func (c *lineConn) Close() error {
	return trace.Wrap(c.conn.Close())
}
