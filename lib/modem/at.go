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

package modem

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/defaults"
)

// Result classifies a completed AT command.
type Result string

const (
	ResultOK       Result = "OK"
	ResultError    Result = "ERROR"
	ResultCMEError Result = "CME_ERROR"
	ResultCMSError Result = "CMS_ERROR"
	ResultTimeout  Result = "TIMEOUT"
)

// Response is a framed AT command response.
type Response struct {
	// Command is the command that produced this response.
	Command string
	// Raw is every line observed for the command, including the result.
	Raw []string
	// Result is the final classification; exactly one per response.
	Result Result
	// DataLines are the response payload lines, excluding the result
	// token.
	DataLines []string
	// ErrorCode is the numeric CME/CMS error code.
	ErrorCode int
	// ErrorMessage is the textual CME/CMS error, when the modem
	// reports one.
	ErrorMessage string
}

var (
	urcShape        = regexp.MustCompile(`^\+[A-Z][A-Z0-9]*:`)
	commandPrefixRe = regexp.MustCompile(`^AT([+#][A-Z0-9]+)`)
)

// Config configures the AT interface.
type Config struct {
	// Port is the serial byte stream.
	Port Port
	// DefaultTimeout is the per-command deadline.
	DefaultTimeout time.Duration
	// TimeoutOverrides assigns longer deadlines to slow commands,
	// matched by command prefix.
	TimeoutOverrides map[string]time.Duration
	// URCQueueSize bounds the unsolicited line queue.
	URCQueueSize int
	// Clock is used for deadlines.
	Clock clockwork.Clock
	// Log is the interface logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == nil {
		return trace.BadParameter("missing parameter Port")
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaults.ATCommandTimeout
	}
	if c.TimeoutOverrides == nil {
		c.TimeoutOverrides = DefaultTimeoutOverrides()
	}
	if c.URCQueueSize == 0 {
		c.URCQueueSize = defaults.URCQueueSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "modem")
	}
	return nil
}

// DefaultTimeoutOverrides is the slow command whitelist: network scans,
// registration and operator selection, and SMS submission.
func DefaultTimeoutOverrides() map[string]time.Duration {
	return map[string]time.Duration{
		"AT+COPS=?": defaults.ATNetworkScanTimeout,
		"AT+COPS":   defaults.ATNetworkTimeout,
		"AT+CREG":   defaults.ATNetworkTimeout,
		"AT+CEREG":  defaults.ATNetworkTimeout,
		"AT+CGATT":  defaults.ATNetworkTimeout,
		"AT+CMGS":   defaults.ATNetworkTimeout,
	}
}

// pending is the in-flight command state.
type pending struct {
	command  string
	prefixes []string
	lines    []string
	data     []string
	result   Result
	errCode  int
	errMsg   string
	done     chan struct{}
	prompt   chan struct{}
}

// ATInterface serializes AT commands over a single port while capturing
// URCs concurrently. One command is in flight at a time; the order in
// which waiting callers get the port is not defined.
type ATInterface struct {
	cfg        Config
	dispatcher *Dispatcher

	cmdMu sync.Mutex

	mu      sync.Mutex
	current *pending

	closeOnce sync.Once
	done      chan struct{}
}

// NewATInterface creates the interface and starts the reader and URC
// dispatcher.
func NewATInterface(cfg Config) (*ATInterface, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	a := &ATInterface{
		cfg:        cfg,
		dispatcher: newDispatcher(cfg.URCQueueSize, cfg.Log),
		done:       make(chan struct{}),
	}
	go a.readLoop()
	go a.dispatcher.run(a.done)
	return a, nil
}

// Close stops the reader and dispatcher and closes the port.
func (a *ATInterface) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return trace.Wrap(a.cfg.Port.Close())
}

// OnURC registers a handler invoked for every unsolicited line matching
// the pattern. It returns a handle for Unsubscribe.
func (a *ATInterface) OnURC(pattern string, handler URCHandler) (int, error) {
	return a.dispatcher.register(pattern, handler)
}

// Unsubscribe removes a URC handler.
func (a *ATInterface) Unsubscribe(id int) {
	a.dispatcher.unregister(id)
}

// SendCommand writes one command and waits for its terminating token.
// Concurrent callers are serialized by a mutex, which does not order
// waiters by arrival. On deadline the response
// carries ResultTimeout and an error is returned.
func (a *ATInterface) SendCommand(ctx context.Context, command string) (*Response, error) {
	return a.send(ctx, command, nil)
}

// SendWithPayload drives the prompt-based flow: it writes the command,
// waits for the '>' prompt, then sends the payload terminated by
// Ctrl+Z. Used for PDU mode SMS submission.
func (a *ATInterface) SendWithPayload(ctx context.Context, command string, payload []byte) (*Response, error) {
	return a.send(ctx, command, payload)
}

func (a *ATInterface) send(ctx context.Context, command string, payload []byte) (*Response, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	p := &pending{
		command:  command,
		prefixes: expectedPrefixes(command),
		done:     make(chan struct{}),
		prompt:   make(chan struct{}, 1),
	}
	a.mu.Lock()
	a.current = p
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.current = nil
		a.mu.Unlock()
	}()

	timeout := a.timeoutFor(command)
	deadline := a.cfg.Clock.After(timeout)

	if _, err := a.cfg.Port.Write([]byte(command + "\r\n")); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to write AT command")
	}

	if payload != nil {
		select {
		case <-p.prompt:
			buf := append(append([]byte{}, payload...), 0x1A)
			if _, err := a.cfg.Port.Write(buf); err != nil {
				return nil, trace.ConnectionProblem(err, "failed to write command payload")
			}
		case <-deadline:
			return a.timeoutResponse(p), trace.LimitExceeded("AT command %q timed out waiting for prompt after %v", command, timeout)
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-a.done:
			return nil, trace.ConnectionProblem(nil, "AT interface is closed")
		}
	}

	select {
	case <-p.done:
		return a.response(p), nil
	case <-deadline:
		return a.timeoutResponse(p), trace.LimitExceeded("AT command %q timed out after %v", command, timeout)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case <-a.done:
		return nil, trace.ConnectionProblem(nil, "AT interface is closed")
	}
}

func (a *ATInterface) response(p *pending) *Response {
	return &Response{
		Command:      p.command,
		Raw:          p.lines,
		Result:       p.result,
		DataLines:    p.data,
		ErrorCode:    p.errCode,
		ErrorMessage: p.errMsg,
	}
}

func (a *ATInterface) timeoutResponse(p *pending) *Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	p.result = ResultTimeout
	return &Response{
		Command:   p.command,
		Raw:       p.lines,
		Result:    ResultTimeout,
		DataLines: p.data,
	}
}

func (a *ATInterface) timeoutFor(command string) time.Duration {
	best := a.cfg.DefaultTimeout
	bestLen := 0
	for prefix, timeout := range a.cfg.TimeoutOverrides {
		if strings.HasPrefix(command, prefix) && len(prefix) > bestLen {
			best = timeout
			bestLen = len(prefix)
		}
	}
	return best
}

// readLoop splits the serial stream into lines and the '>' prompt and
// routes each to the in-flight command or the URC queue.
func (a *ATInterface) readLoop() {
	reader := bufio.NewReader(a.cfg.Port)
	var buf []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			select {
			case <-a.done:
			default:
				a.cfg.Log.WithError(err).Debug("Serial read loop terminated.")
			}
			return
		}
		switch b {
		case '\n':
			line := strings.TrimSpace(string(buf))
			buf = buf[:0]
			if line != "" {
				a.routeLine(line)
			}
		case '>':
			if len(strings.TrimSpace(string(buf))) == 0 {
				buf = buf[:0]
				a.notifyPrompt()
				continue
			}
			buf = append(buf, b)
		default:
			buf = append(buf, b)
		}
	}
}

func (a *ATInterface) notifyPrompt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return
	}
	select {
	case a.current.prompt <- struct{}{}:
	default:
	}
}

// routeLine classifies one line. During a command, lines matching the
// command's expected response prefixes (or not URC-shaped at all) are
// response data; URC-shaped lines for other prefixes are queued as
// unsolicited even mid-command.
func (a *ATInterface) routeLine(line string) {
	a.mu.Lock()
	p := a.current
	if p == nil {
		a.mu.Unlock()
		if urcShape.MatchString(line) {
			a.dispatcher.enqueue(line)
		} else {
			a.cfg.Log.WithField("line", line).Debug("Dropping stray modem line.")
		}
		return
	}

	switch {
	case line == p.command:
		// Command echo.
		a.mu.Unlock()
		return
	case line == "OK":
		p.lines = append(p.lines, line)
		p.result = ResultOK
		close(p.done)
		a.mu.Unlock()
		return
	case line == "ERROR":
		p.lines = append(p.lines, line)
		p.result = ResultError
		close(p.done)
		a.mu.Unlock()
		return
	case strings.HasPrefix(line, "+CME ERROR:"):
		p.lines = append(p.lines, line)
		p.result = ResultCMEError
		p.errCode, p.errMsg = parseErrorTail(line, "+CME ERROR:")
		close(p.done)
		a.mu.Unlock()
		return
	case strings.HasPrefix(line, "+CMS ERROR:"):
		p.lines = append(p.lines, line)
		p.result = ResultCMSError
		p.errCode, p.errMsg = parseErrorTail(line, "+CMS ERROR:")
		close(p.done)
		a.mu.Unlock()
		return
	}

	if urcShape.MatchString(line) && !matchesPrefix(line, p.prefixes) {
		a.mu.Unlock()
		a.dispatcher.enqueue(line)
		return
	}
	p.lines = append(p.lines, line)
	p.data = append(p.data, line)
	a.mu.Unlock()
}

// expectedPrefixes derives the response prefixes of an extended AT
// command: AT+CSQ, AT+CSQ? and AT+CSQ=? all answer with +CSQ.
func expectedPrefixes(command string) []string {
	match := commandPrefixRe.FindStringSubmatch(strings.ToUpper(command))
	if match == nil {
		return nil
	}
	return []string{match[1] + ":"}
}

func matchesPrefix(line string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func parseErrorTail(line, prefix string) (int, string) {
	tail := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if code, err := strconv.Atoi(tail); err == nil {
		return code, ""
	}
	return -1, tail
}
