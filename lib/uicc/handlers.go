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

package uicc

import (
	"bytes"
	"crypto/subtle"
	"io"

	"github.com/veenone/cardlink-sub000/lib/apdu"
	"github.com/veenone/cardlink-sub000/lib/scp02"
	"github.com/veenone/cardlink-sub000/lib/tlv"
)

// GlobalPlatform instruction set handled by the card.
const (
	insSelect       = 0xA4
	insInstall      = 0xE6
	insLoad         = 0xE8
	insDelete       = 0xE4
	insPutKey       = 0xD8
	insStoreData    = 0xE2
	insGetStatus    = 0xF2
	insSetStatus    = 0xF0
	insInitUpdate   = 0x50
	insExternalAuth = 0x82
	insGetChallenge = 0x84
)

func (u *UICC) dispatchGP(cmd *apdu.Command) *apdu.Response {
	// Secured commands carry a trailing MAC that must verify against
	// the card-side chain before the inner command is dispatched.
	if cmd.CLA&0x04 != 0 && cmd.INS != insExternalAuth {
		unwrapped, sw := u.unwrapSecured(cmd)
		if sw != apdu.SWSuccess {
			return apdu.NewResponse(nil, sw)
		}
		cmd = unwrapped
	}

	switch cmd.INS {
	case insSelect:
		return u.handleSelect(cmd)
	case insInitUpdate:
		return u.handleInitializeUpdate(cmd)
	case insExternalAuth:
		return u.handleExternalAuthenticate(cmd)
	case insGetChallenge:
		return u.handleGetChallenge(cmd)
	case insGetStatus:
		return u.handleGetStatus(cmd)
	case insDelete:
		return u.handleDelete(cmd)
	case insInstall, insLoad, insStoreData, insSetStatus:
		return apdu.NewResponse(nil, apdu.SWSuccess)
	case insPutKey:
		return u.handlePutKey(cmd)
	}
	return apdu.NewResponse(nil, apdu.SWInsNotSupported)
}

// unwrapSecured verifies and strips SCP02 secure messaging: decrypts
// the data field when command encryption is active, then checks the
// command MAC against the chaining value.
func (u *UICC) unwrapSecured(cmd *apdu.Command) (*apdu.Command, uint16) {
	if u.channel == nil || !u.channel.authenticated {
		return nil, apdu.SWSecurityNotSatisfied
	}
	if len(cmd.Data) < 8 {
		return nil, apdu.SWWrongLength
	}
	body, mac := cmd.Data[:len(cmd.Data)-8], cmd.Data[len(cmd.Data)-8:]
	plaintext := body
	if u.channel.level == scp02.SecurityLevelCMACEnc && len(body) > 0 {
		decrypted, err := scp02.TripleDESCBCDecrypt(u.channel.session.ENC, body)
		if err != nil {
			return nil, apdu.SWWrongData
		}
		unpadded, ok := scp02.Unpad80(decrypted)
		if !ok {
			return nil, apdu.SWWrongData
		}
		plaintext = unpadded
	}
	expected, err := scp02.ComputeCMAC(u.channel.session.MAC, u.channel.macChain, cmd.CLA&^byte(0x04), cmd.INS, cmd.P1, cmd.P2, plaintext)
	if err != nil {
		return nil, apdu.SWWrongData
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, apdu.SWSecurityNotSatisfied
	}
	u.channel.macChain = expected
	return &apdu.Command{
		CLA:   cmd.CLA &^ byte(0x04),
		INS:   cmd.INS,
		P1:    cmd.P1,
		P2:    cmd.P2,
		Data:  plaintext,
		HasLe: cmd.HasLe,
		Le:    cmd.Le,
	}, apdu.SWSuccess
}

func (u *UICC) handleSelect(cmd *apdu.Command) *apdu.Response {
	if cmd.P1 != 0x04 {
		return apdu.NewResponse(nil, apdu.SWFuncNotSupported)
	}
	aid := cmd.Data
	if len(aid) == 0 || bytes.Equal(aid, ISDAID) {
		u.selected = nil
		return apdu.NewResponse(fci(ISDAID), apdu.SWSuccess)
	}
	applet, ok := u.applets[string(aid)]
	if !ok {
		return apdu.NewResponse(nil, apdu.SWFileNotFound)
	}
	u.selected = applet
	return apdu.NewResponse(fci(applet.AID()), apdu.SWSuccess)
}

// fci builds the file control information returned by SELECT.
func fci(aid []byte) []byte {
	node := tlv.NewConstructed(0x6F,
		tlv.New(0x84, aid),
		tlv.NewConstructed(0xA5, tlv.New(0x9F65, []byte{0xFF})),
	)
	encoded, err := node.Encode()
	if err != nil {
		return nil
	}
	return encoded
}

func (u *UICC) handleInitializeUpdate(cmd *apdu.Command) *apdu.Response {
	if len(cmd.Data) != 8 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	cardChallenge := make([]byte, 8)
	if _, err := io.ReadFull(u.cfg.Rand, cardChallenge); err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	seq := u.cfg.Profile.SequenceCounter[:]
	session, err := scp02.DeriveSessionKeys(u.cfg.Profile.Keys, seq)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	cryptogram, err := scp02.CardCryptogram(session.MAC, cmd.Data, seq, cardChallenge)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	u.channel = &secureChannel{
		session:       session,
		hostChallenge: append([]byte{}, cmd.Data...),
		cardChallenge: cardChallenge,
	}
	data := make([]byte, 0, 28)
	data = append(data, u.cfg.Profile.KeyDiversificationData[:]...)
	data = append(data, seq...)
	data = append(data, cardChallenge...)
	data = append(data, cryptogram...)
	return apdu.NewResponse(data, apdu.SWSuccess)
}

func (u *UICC) handleExternalAuthenticate(cmd *apdu.Command) *apdu.Response {
	if u.channel == nil || u.channel.authenticated {
		return apdu.NewResponse(nil, apdu.SWConditionsNotMet)
	}
	if len(cmd.Data) != 16 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	hostCryptogram, mac := cmd.Data[:8], cmd.Data[8:]
	seq := u.cfg.Profile.SequenceCounter[:]
	expected, err := scp02.HostCryptogram(u.channel.session.MAC, seq, u.channel.cardChallenge, u.channel.hostChallenge)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	if subtle.ConstantTimeCompare(hostCryptogram, expected) != 1 {
		u.channel = nil
		return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied)
	}
	expectedMAC, err := scp02.ComputeCMAC(u.channel.session.MAC, make([]byte, 8), cmd.CLA&^byte(0x04), cmd.INS, cmd.P1, cmd.P2, hostCryptogram)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	if subtle.ConstantTimeCompare(mac, expectedMAC) != 1 {
		u.channel = nil
		return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied)
	}
	u.channel.authenticated = true
	u.channel.level = scp02.SecurityLevel(cmd.P1)
	u.channel.macChain = expectedMAC
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

func (u *UICC) handleGetChallenge(cmd *apdu.Command) *apdu.Response {
	n := 8
	if cmd.HasLe && cmd.Le > 0 && cmd.Le <= 32 {
		n = cmd.Le
	}
	challenge := make([]byte, n)
	if _, err := io.ReadFull(u.cfg.Rand, challenge); err != nil {
		return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
	}
	return apdu.NewResponse(challenge, apdu.SWSuccess)
}

func (u *UICC) handleGetStatus(cmd *apdu.Command) *apdu.Response {
	var nodes []byte
	if cmd.P1&0x80 != 0 || cmd.P1 == 0x40 {
		// Application status: one entry per registered applet.
		for _, applet := range u.applets {
			entry := tlv.NewConstructed(0xE3,
				tlv.New(0x4F, applet.AID()),
				tlv.New(0x9F70, []byte{0x07}),
			)
			encoded, err := entry.Encode()
			if err != nil {
				return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
			}
			nodes = append(nodes, encoded...)
		}
	} else {
		entry := tlv.NewConstructed(0xE3,
			tlv.New(0x4F, ISDAID),
			tlv.New(0x9F70, []byte{0x0F}),
		)
		encoded, err := entry.Encode()
		if err != nil {
			return apdu.NewResponse(nil, apdu.SWNoPreciseDiagnosis)
		}
		nodes = encoded
	}
	return apdu.NewResponse(nodes, apdu.SWSuccess)
}

func (u *UICC) handleDelete(cmd *apdu.Command) *apdu.Response {
	nodes, err := tlv.ParseAll(cmd.Data)
	if err != nil {
		return apdu.NewResponse(nil, apdu.SWWrongData)
	}
	for _, node := range nodes {
		if node.Tag != 0x4F {
			continue
		}
		if _, ok := u.applets[string(node.Value)]; !ok {
			return apdu.NewResponse(nil, apdu.SWReferencedNotFound)
		}
		delete(u.applets, string(node.Value))
		if u.selected != nil && bytes.Equal(u.selected.AID(), node.Value) {
			u.selected = nil
		}
	}
	return apdu.NewResponse(nil, apdu.SWSuccess)
}

func (u *UICC) handlePutKey(cmd *apdu.Command) *apdu.Response {
	if u.channel == nil || !u.channel.authenticated {
		return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied)
	}
	if len(cmd.Data) == 0 {
		return apdu.NewResponse(nil, apdu.SWWrongLength)
	}
	// The first data byte is the new key version number.
	return apdu.NewResponse([]byte{cmd.Data[0]}, apdu.SWSuccess)
}
