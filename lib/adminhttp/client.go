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

package adminhttp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000"
	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// Processor turns a C-APDU into an R-APDU; the virtual UICC implements
// it.
type Processor interface {
	Process(command []byte) []byte
}

// DialFunc establishes the transport the client posts over, typically
// a PSK-TLS dial.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ClientConfig configures the card-side admin client.
type ClientConfig struct {
	// Dial opens the connection to the admin server.
	Dial DialFunc
	// Processor executes the received C-APDUs.
	Processor Processor
	// Host is the HTTP Host header value.
	Host string
	// Path is the admin POST path.
	Path string
	// AdminFrom is sent as the X-Admin-From header when non-empty.
	AdminFrom string
	// Log is the client logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Dial == nil {
		return trace.BadParameter("missing parameter Dial")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Host == "" {
		c.Host = "cardlink-admin"
	}
	if c.Path == "" {
		c.Path = defaults.AdminPath
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, cardlink.ComponentSimulator)
	}
	return nil
}

// Result summarizes a completed admin session from the card side.
type Result struct {
	// Exchanged is the number of C-APDUs processed.
	Exchanged int
}

// Client walks the card side of the admin HTTP cycle: an initial empty
// POST, then one POST per R-APDU, until the server terminates with
// 204 No Content.
type Client struct {
	cfg ClientConfig
}

// NewClient creates a card-side admin client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Run performs one full admin session over a single connection.
func (c *Client) Run(ctx context.Context) (*Result, error) {
	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	result := &Result{}
	var body []byte
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return result, trace.Wrap(err)
		}
		resp, err := c.post(conn, reader, body, first)
		if err != nil {
			return result, trace.Wrap(err)
		}
		first = false
		switch resp.StatusCode {
		case http.StatusOK:
			command, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return result, trace.Wrap(err)
			}
			body = c.cfg.Processor.Process(command)
			result.Exchanged++
		case http.StatusNoContent:
			resp.Body.Close()
			c.cfg.Log.WithField("exchanged", result.Exchanged).Debug("Admin session completed.")
			return result, nil
		default:
			resp.Body.Close()
			return result, trace.BadParameter("admin server aborted the session with status %v", resp.StatusCode)
		}
	}
}

func (c *Client) post(conn net.Conn, reader *bufio.Reader, body []byte, first bool) (*http.Response, error) {
	req := &http.Request{
		Method: http.MethodPost,
		URL:    &url.URL{Path: c.cfg.Path},
		Host:   c.cfg.Host,
		Header: make(http.Header),
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", cardlink.ContentTypeResponse)
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	if first {
		req.Header.Set(cardlink.AdminProtocolHeader, "globalplatform-remote-admin/1.0")
	}
	if c.cfg.AdminFrom != "" {
		req.Header.Set(cardlink.AdminFromHeader, c.cfg.AdminFrom)
	}
	if err := req.Write(conn); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to send admin request")
	}
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read admin response")
	}
	return resp, nil
}
