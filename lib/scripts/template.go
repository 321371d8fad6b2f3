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

package scripts

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/veenone/cardlink-sub000/lib/apdu"
)

// Render substitutes the template placeholders with typed values and
// returns the concrete C-APDU byte sequence. Defaults fill missing
// optional parameters; every rendered command must decode as a valid
// command APDU.
func Render(t *Template, values map[string]string) ([][]byte, error) {
	if err := t.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	rendered := make(map[string]string, len(t.Parameters))
	for name, param := range t.Parameters {
		value, ok := values[name]
		if !ok {
			if param.Required {
				return nil, trace.BadParameter("missing required parameter %q", name)
			}
			if param.Default == "" {
				continue
			}
			value = param.Default
		}
		encoded, err := encodeValue(param, value)
		if err != nil {
			return nil, trace.BadParameter("parameter %q: %v", name, err)
		}
		rendered[name] = encoded
	}

	out := make([][]byte, 0, len(t.Commands))
	for i, cmd := range t.Commands {
		var missing string
		expanded := placeholderPattern.ReplaceAllStringFunc(cmd.Hex, func(token string) string {
			name := token[1 : len(token)-1]
			value, ok := rendered[name]
			if !ok {
				missing = name
				return token
			}
			return value
		})
		if missing != "" {
			return nil, trace.BadParameter("missing required parameter %q", missing)
		}
		command, err := apdu.ParseHex(expanded)
		if err != nil {
			return nil, trace.BadParameter("template %q command %v renders to an invalid APDU: %v", t.ID, i, err)
		}
		raw, err := command.Encode()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// encodeValue renders a single parameter value to hex per its declared
// type.
func encodeValue(param Parameter, value string) (string, error) {
	switch param.Type {
	case TypeHex:
		normalized := strings.ToUpper(strings.NewReplacer(" ", "", "\t", "").Replace(value))
		raw, err := hex.DecodeString(normalized)
		if err != nil {
			return "", trace.BadParameter("invalid hex value %q", value)
		}
		if err := checkLength(param, len(raw)); err != nil {
			return "", trace.Wrap(err)
		}
		return normalized, nil
	case TypeInt:
		n, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return "", trace.BadParameter("invalid integer value %q", value)
		}
		width := param.MinLength
		if width <= 0 {
			width = 1
		}
		if width < 8 && n >= 1<<(8*uint(width)) {
			return "", trace.BadParameter("value %v does not fit in %v bytes", n, width)
		}
		return fmt.Sprintf("%0*X", width*2, n), nil
	case TypeString:
		raw := []byte(value)
		if err := checkLength(param, len(raw)); err != nil {
			return "", trace.Wrap(err)
		}
		return strings.ToUpper(hex.EncodeToString(raw)), nil
	case TypeBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "01":
			return "01", nil
		case "false", "0", "00":
			return "00", nil
		}
		return "", trace.BadParameter("invalid boolean value %q", value)
	}
	return "", trace.BadParameter("unknown parameter type %q", param.Type)
}

func checkLength(param Parameter, n int) error {
	if param.MinLength > 0 && n < param.MinLength {
		return trace.BadParameter("value is %v bytes, minimum is %v", n, param.MinLength)
	}
	if param.MaxLength > 0 && n > param.MaxLength {
		return trace.BadParameter("value is %v bytes, maximum is %v", n, param.MaxLength)
	}
	return nil
}
