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
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// SignalQuality is a parsed +CSQ report.
type SignalQuality struct {
	// RSSI is the 0-31 signal strength indicator; 99 means unknown.
	RSSI int
	// BER is the bit error rate indicator; 99 means unknown.
	BER int
}

// RegistrationInfo is a parsed +CREG/+CEREG report.
type RegistrationInfo struct {
	// Mode is the unsolicited reporting mode (the <n> field).
	Mode int
	// Status is the registration status (the <stat> field).
	Status int
	// LAC is the location area code, when reported.
	LAC string
	// CellID is the serving cell id, when reported.
	CellID string
	// AccessTechnology is the radio access technology, when reported.
	AccessTechnology int
}

// Registered reports whether the modem is registered, home or roaming.
func (r RegistrationInfo) Registered() bool {
	return r.Status == 1 || r.Status == 5
}

// Operator is one entry of an operator scan.
type Operator struct {
	// Status is 0 unknown, 1 available, 2 current, 3 forbidden.
	Status int
	// LongName is the long alphanumeric name.
	LongName string
	// ShortName is the short alphanumeric name.
	ShortName string
	// Numeric is the MCC+MNC.
	Numeric string
	// AccessTechnology is the radio access technology.
	AccessTechnology int
}

// NetworkManager layers the higher level network operations over the
// AT interface.
type NetworkManager struct {
	at *ATInterface
}

// NewNetworkManager creates a network manager.
func NewNetworkManager(at *ATInterface) *NetworkManager {
	return &NetworkManager{at: at}
}

// SignalQuality runs AT+CSQ.
func (m *NetworkManager) SignalQuality(ctx context.Context) (*SignalQuality, error) {
	resp, err := m.at.SendCommand(ctx, "AT+CSQ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	line, err := responseLine(resp, "+CSQ:")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fields := splitFields(line)
	if len(fields) < 2 {
		return nil, trace.BadParameter("malformed +CSQ report %q", line)
	}
	rssi, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, trace.BadParameter("malformed +CSQ rssi %q", fields[0])
	}
	ber, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, trace.BadParameter("malformed +CSQ ber %q", fields[1])
	}
	return &SignalQuality{RSSI: rssi, BER: ber}, nil
}

// RegistrationStatus runs AT+CREG?.
func (m *NetworkManager) RegistrationStatus(ctx context.Context) (*RegistrationInfo, error) {
	resp, err := m.at.SendCommand(ctx, "AT+CREG?")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	line, err := responseLine(resp, "+CREG:")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ParseRegistration(line)
}

// ParseRegistration parses the payload of a +CREG/+CEREG line, either
// solicited or unsolicited.
func ParseRegistration(payload string) (*RegistrationInfo, error) {
	fields := splitFields(payload)
	if len(fields) < 2 {
		return nil, trace.BadParameter("malformed registration report %q", payload)
	}
	info := &RegistrationInfo{}
	var err error
	if info.Mode, err = strconv.Atoi(fields[0]); err != nil {
		return nil, trace.BadParameter("malformed registration mode %q", fields[0])
	}
	if info.Status, err = strconv.Atoi(fields[1]); err != nil {
		return nil, trace.BadParameter("malformed registration status %q", fields[1])
	}
	if len(fields) > 2 {
		info.LAC = unquote(fields[2])
	}
	if len(fields) > 3 {
		info.CellID = unquote(fields[3])
	}
	if len(fields) > 4 {
		if info.AccessTechnology, err = strconv.Atoi(fields[4]); err != nil {
			return nil, trace.BadParameter("malformed access technology %q", fields[4])
		}
	}
	return info, nil
}

var operatorEntry = regexp.MustCompile(`\(([^)]*)\)`)

// ScanOperators runs the long AT+COPS=? network scan.
func (m *NetworkManager) ScanOperators(ctx context.Context) ([]Operator, error) {
	resp, err := m.at.SendCommand(ctx, "AT+COPS=?")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	line, err := responseLine(resp, "+COPS:")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []Operator
	for _, match := range operatorEntry.FindAllStringSubmatch(line, -1) {
		fields := splitFields(match[1])
		if len(fields) < 4 {
			continue
		}
		op := Operator{
			LongName:  unquote(fields[1]),
			ShortName: unquote(fields[2]),
			Numeric:   unquote(fields[3]),
		}
		if op.Status, err = strconv.Atoi(fields[0]); err != nil {
			continue
		}
		if len(fields) > 4 {
			if op.AccessTechnology, err = strconv.Atoi(fields[4]); err != nil {
				op.AccessTechnology = 0
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// SendSMS submits an SMS in PDU mode via the '>' prompt flow.
func (m *NetworkManager) SendSMS(ctx context.Context, tpduLength int, pduHex string) (*Response, error) {
	command := "AT+CMGS=" + strconv.Itoa(tpduLength)
	resp, err := m.at.SendWithPayload(ctx, command, []byte(pduHex))
	if err != nil {
		return resp, trace.Wrap(err)
	}
	if resp.Result != ResultOK {
		return resp, trace.BadParameter("SMS submission failed: %v", resp.Result)
	}
	return resp, nil
}

// responseLine extracts the payload of the first data line carrying the
// given prefix.
func responseLine(resp *Response, prefix string) (string, error) {
	if resp.Result != ResultOK {
		return "", trace.BadParameter("command %q failed: %v", resp.Command, resp.Result)
	}
	for _, line := range resp.DataLines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", trace.NotFound("no %v line in response to %q", prefix, resp.Command)
}

// splitFields splits a report payload on commas outside quotes.
func splitFields(payload string) []string {
	var out []string
	var field strings.Builder
	inQuotes := false
	for _, r := range payload {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			field.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, strings.TrimSpace(field.String()))
			field.Reset()
		default:
			field.WriteRune(r)
		}
	}
	out = append(out, strings.TrimSpace(field.String()))
	return out
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
