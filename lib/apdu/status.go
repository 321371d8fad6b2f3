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

package apdu

import "fmt"

// Common ISO 7816-4 and GlobalPlatform status words.
const (
	SWSuccess               uint16 = 0x9000
	SWWrongLength           uint16 = 0x6700
	SWSecurityNotSatisfied  uint16 = 0x6982
	SWAuthMethodBlocked     uint16 = 0x6983
	SWConditionsNotMet      uint16 = 0x6985
	SWWrongData             uint16 = 0x6A80
	SWFuncNotSupported      uint16 = 0x6A81
	SWFileNotFound          uint16 = 0x6A82
	SWRecordNotFound        uint16 = 0x6A83
	SWNotEnoughMemory       uint16 = 0x6A84
	SWIncorrectP1P2         uint16 = 0x6A86
	SWReferencedNotFound    uint16 = 0x6A88
	SWWrongParameters       uint16 = 0x6B00
	SWInsNotSupported       uint16 = 0x6D00
	SWClaNotSupported       uint16 = 0x6E00
	SWNoPreciseDiagnosis    uint16 = 0x6F00
	SWResponseBytesWarn     uint16 = 0x6200
	SWEndOfFileWarn         uint16 = 0x6282
	SWSelectedFileInvalid   uint16 = 0x6283
	SWAppletSelectFailed    uint16 = 0x6999
)

// Kind classifies a status word.
type Kind int

const (
	// KindUnknown covers status words outside the classified set.
	KindUnknown Kind = iota
	// KindSuccess is normal completion (9000).
	KindSuccess
	// KindMoreData signals 61XX, response bytes available.
	KindMoreData
	// KindWrongLe signals 6CXX, retry with corrected Le.
	KindWrongLe
	// KindWarning covers the 62XX/63XX warning classes.
	KindWarning
	// KindVerifyFailed signals 63CX with a remaining-retries counter.
	KindVerifyFailed
	// KindSecurity covers security status words (6982, 6983, 6999).
	KindSecurity
	// KindNotFound covers file/record/reference not found.
	KindNotFound
	// KindError covers remaining checking and execution errors.
	KindError
)

// Classify maps a status word to its kind.
func Classify(sw uint16) Kind {
	sw1 := byte(sw >> 8)
	sw2 := byte(sw)
	switch {
	case sw == SWSuccess:
		return KindSuccess
	case sw1 == 0x61:
		return KindMoreData
	case sw1 == 0x6C:
		return KindWrongLe
	case sw1 == 0x63 && sw2&0xF0 == 0xC0:
		return KindVerifyFailed
	case sw == SWSecurityNotSatisfied, sw == SWAuthMethodBlocked, sw == SWAppletSelectFailed:
		return KindSecurity
	case sw == SWFileNotFound, sw == SWRecordNotFound, sw == SWReferencedNotFound:
		return KindNotFound
	case sw1 == 0x62 || sw1 == 0x63:
		return KindWarning
	case sw1 >= 0x64 && sw1 <= 0x6F:
		return KindError
	case sw1 == 0x90:
		return KindSuccess
	}
	return KindUnknown
}

var swDescriptions = map[uint16]string{
	SWSuccess:              "success",
	SWWrongLength:          "wrong length",
	SWSecurityNotSatisfied: "security status not satisfied",
	SWAuthMethodBlocked:    "authentication method blocked",
	SWConditionsNotMet:     "conditions of use not satisfied",
	SWWrongData:            "incorrect data in command field",
	SWFuncNotSupported:     "function not supported",
	SWFileNotFound:         "file or application not found",
	SWRecordNotFound:       "record not found",
	SWNotEnoughMemory:      "not enough memory space in the file",
	SWIncorrectP1P2:        "incorrect parameters P1-P2",
	SWReferencedNotFound:   "referenced data not found",
	SWWrongParameters:      "wrong parameters",
	SWInsNotSupported:      "instruction not supported",
	SWClaNotSupported:      "class not supported",
	SWNoPreciseDiagnosis:   "no precise diagnosis",
	SWEndOfFileWarn:        "end of file reached before reading Le bytes",
	SWSelectedFileInvalid:  "selected file invalidated",
	SWAppletSelectFailed:   "applet selection failed",
}

// Describe renders a status word as human readable text.
func Describe(sw uint16) string {
	if desc, ok := swDescriptions[sw]; ok {
		return desc
	}
	sw1 := byte(sw >> 8)
	sw2 := byte(sw)
	switch {
	case sw1 == 0x61:
		return fmt.Sprintf("%d response bytes available", int(sw2))
	case sw1 == 0x6C:
		return fmt.Sprintf("wrong Le, exact length is %d", int(sw2))
	case sw1 == 0x63 && sw2&0xF0 == 0xC0:
		return fmt.Sprintf("verification failed, %d retries remaining", int(sw2&0x0F))
	case sw1 == 0x62 || sw1 == 0x63:
		return "warning, state of non-volatile memory may have changed"
	}
	return fmt.Sprintf("unknown status word %04X", sw)
}
