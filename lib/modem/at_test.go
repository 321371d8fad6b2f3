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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeModem terminates the peer side of a pipe port and answers
// commands through the supplied handler.
type fakeModem struct {
	port    Port
	handler func(command string) []string
}

func startFakeModem(t *testing.T, port Port, handler func(string) []string) *fakeModem {
	t.Helper()
	m := &fakeModem{port: port, handler: handler}
	go m.run()
	return m
}

func (m *fakeModem) run() {
	reader := bufio.NewReader(m.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		if strings.HasPrefix(command, "AT+CMGS=") {
			m.write("> ")
			payload, err := reader.ReadString(0x1A)
			if err != nil {
				return
			}
			_ = payload
			m.write("+CMGS: 42\r\n")
			m.write("OK\r\n")
			continue
		}
		for _, response := range m.handler(command) {
			m.write(response + "\r\n")
		}
	}
}

func (m *fakeModem) write(s string) {
	m.port.Write([]byte(s))
}

// inject writes raw unsolicited data on the wire.
func (m *fakeModem) inject(s string) {
	m.write(s)
}

func newTestAT(t *testing.T, handler func(string) []string, timeout time.Duration) (*ATInterface, *fakeModem) {
	t.Helper()
	local, remote := NewPipePort()
	modem := startFakeModem(t, remote, handler)
	at, err := NewATInterface(Config{
		Port:           local,
		DefaultTimeout: timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { at.Close() })
	return at, modem
}

func echoOK(responses map[string][]string) func(string) []string {
	return func(command string) []string {
		if r, ok := responses[command]; ok {
			return r
		}
		return []string{"OK"}
	}
}

func TestSendCommandOK(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, echoOK(map[string][]string{
		"AT+CSQ": {"+CSQ: 18,99", "OK"},
	}), 5*time.Second)

	resp, err := at.SendCommand(context.Background(), "AT+CSQ")
	require.NoError(t, err)
	require.Equal(t, ResultOK, resp.Result)
	require.Equal(t, []string{"+CSQ: 18,99"}, resp.DataLines)
}

func TestSendCommandError(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, echoOK(map[string][]string{
		"AT+BAD":  {"ERROR"},
		"AT+CPIN": {"+CME ERROR: 10"},
		"AT+CMGD": {"+CMS ERROR: 321"},
	}), 5*time.Second)

	resp, err := at.SendCommand(context.Background(), "AT+BAD")
	require.NoError(t, err)
	require.Equal(t, ResultError, resp.Result)

	resp, err = at.SendCommand(context.Background(), "AT+CPIN")
	require.NoError(t, err)
	require.Equal(t, ResultCMEError, resp.Result)
	require.Equal(t, 10, resp.ErrorCode)

	resp, err = at.SendCommand(context.Background(), "AT+CMGD")
	require.NoError(t, err)
	require.Equal(t, ResultCMSError, resp.Result)
	require.Equal(t, 321, resp.ErrorCode)
}

func TestSendCommandTimeout(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, func(command string) []string {
		return nil // never answer
	}, 50*time.Millisecond)

	resp, err := at.SendCommand(context.Background(), "AT+SILENT")
	require.Error(t, err)
	require.Equal(t, ResultTimeout, resp.Result)
}

func TestURCFanOut(t *testing.T) {
	t.Parallel()
	at, modem := newTestAT(t, echoOK(nil), 5*time.Second)

	var mu sync.Mutex
	counts := map[string]int{}
	release := make(chan struct{})

	_, err := at.OnURC(`\+CREG:`, func(line string) {
		// A slow handler must not block its sibling.
		<-release
		mu.Lock()
		counts["slow"]++
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = at.OnURC(`\+CREG: 2,1`, func(line string) {
		mu.Lock()
		counts["fast"]++
		mu.Unlock()
	})
	require.NoError(t, err)

	modem.inject("+CREG: 2,1,\"1234\",\"ABCD\",7\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["fast"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["slow"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestURCHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	at, modem := newTestAT(t, echoOK(nil), 5*time.Second)

	var mu sync.Mutex
	var got int
	_, err := at.OnURC(`\+CGEV:`, func(string) { panic("boom") })
	require.NoError(t, err)
	_, err = at.OnURC(`\+CGEV:`, func(string) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)

	modem.inject("+CGEV: ME DETACH\r\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestURCDuringCommandIsSeparated(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, echoOK(map[string][]string{
		// An unrelated URC lands inside the response window.
		"AT+COPS?": {"+CREG: 1,5", "+COPS: 0,0,\"TestNet\",7", "OK"},
	}), 5*time.Second)

	var mu sync.Mutex
	var urcs []string
	_, err := at.OnURC(`\+CREG:`, func(line string) {
		mu.Lock()
		urcs = append(urcs, line)
		mu.Unlock()
	})
	require.NoError(t, err)

	resp, err := at.SendCommand(context.Background(), "AT+COPS?")
	require.NoError(t, err)
	require.Equal(t, ResultOK, resp.Result)
	require.Equal(t, []string{"+COPS: 0,0,\"TestNet\",7"}, resp.DataLines)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urcs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	at, modem := newTestAT(t, echoOK(nil), 5*time.Second)

	var mu sync.Mutex
	var got int
	id, err := at.OnURC(`\+CSQ:`, func(string) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)

	modem.inject("+CSQ: 1,1\r\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	}, 2*time.Second, 10*time.Millisecond)

	at.Unsubscribe(id)
	modem.inject("+CSQ: 2,2\r\n")
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, got)
}

func TestPromptPayloadFlow(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, echoOK(nil), 5*time.Second)

	manager := NewNetworkManager(at)
	resp, err := manager.SendSMS(context.Background(), 23, "0011000B916407281553F80000AA0AE8329BFD4697D9EC37")
	require.NoError(t, err)
	require.Equal(t, ResultOK, resp.Result)
	require.Equal(t, []string{"+CMGS: 42"}, resp.DataLines)
}

func TestNetworkManagerParsers(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, echoOK(map[string][]string{
		"AT+CSQ":   {"+CSQ: 23,0", "OK"},
		"AT+CREG?": {"+CREG: 2,1,\"00C3\",\"0000B12F\",7", "OK"},
		"AT+COPS=?": {
			"+COPS: (2,\"TestNet\",\"TN\",\"00101\",7),(1,\"OtherNet\",\"ON\",\"00102\",2)",
			"OK",
		},
	}), 5*time.Second)
	manager := NewNetworkManager(at)

	quality, err := manager.SignalQuality(context.Background())
	require.NoError(t, err)
	require.Equal(t, 23, quality.RSSI)
	require.Equal(t, 0, quality.BER)

	reg, err := manager.RegistrationStatus(context.Background())
	require.NoError(t, err)
	require.True(t, reg.Registered())
	require.Equal(t, "00C3", reg.LAC)
	require.Equal(t, "0000B12F", reg.CellID)
	require.Equal(t, 7, reg.AccessTechnology)

	operators, err := manager.ScanOperators(context.Background())
	require.NoError(t, err)
	require.Len(t, operators, 2)
	require.Equal(t, "TestNet", operators[0].LongName)
	require.Equal(t, "00101", operators[0].Numeric)
	require.Equal(t, 7, operators[0].AccessTechnology)
	require.Equal(t, 1, operators[1].Status)
}

func TestCommandsSerializeFIFO(t *testing.T) {
	t.Parallel()
	at, _ := newTestAT(t, func(command string) []string {
		// Answer with the command's own prefix so responses are
		// attributable.
		return []string{strings.TrimPrefix(command, "AT") + ": done", "OK"}
	}, 5*time.Second)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			command := "AT+TEST" + string(rune('A'+i))
			resp, err := at.SendCommand(context.Background(), command)
			require.NoError(t, err)
			require.Len(t, resp.DataLines, 1)
			results[i] = resp.DataLines[0]
		}()
	}
	wg.Wait()
	for i := 0; i < 8; i++ {
		require.Equal(t, "+TEST"+string(rune('A'+i))+": done", results[i])
	}
}
