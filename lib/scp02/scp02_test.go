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

package scp02

import (
	"bytes"
	"context"
	"crypto/subtle"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/veenone/cardlink-sub000/lib/apdu"
)

// fakeCard implements the card side of the SCP02 handshake with the
// same primitives, so the mutual authentication is exercised end to end.
type fakeCard struct {
	keys          StaticKeys
	seq           []byte
	cardChallenge []byte
	session       *SessionKeys
	hostChallenge []byte

	mu       sync.Mutex
	received []*apdu.Command

	failExternalAuth  bool
	corruptCryptogram bool
}

func newFakeCard(keys StaticKeys) *fakeCard {
	return &fakeCard{
		keys:          keys,
		seq:           []byte{0x00, 0x01},
		cardChallenge: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
}

func (c *fakeCard) transmit(ctx context.Context, cmd *apdu.Command) (*apdu.Response, error) {
	c.mu.Lock()
	c.received = append(c.received, cmd)
	c.mu.Unlock()

	switch cmd.INS {
	case insInitUpdate:
		c.hostChallenge = append([]byte{}, cmd.Data...)
		session, err := DeriveSessionKeys(c.keys, c.seq)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.session = session
		cryptogram, err := CardCryptogram(session.MAC, c.hostChallenge, c.seq, c.cardChallenge)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if c.corruptCryptogram {
			cryptogram = make([]byte, 8)
		}
		data := make([]byte, 0, 28)
		data = append(data, make([]byte, 10)...) // key diversification data
		data = append(data, c.seq...)
		data = append(data, c.cardChallenge...)
		data = append(data, cryptogram...)
		return apdu.NewResponse(data, apdu.SWSuccess), nil
	case insExternalAuth:
		if c.failExternalAuth {
			return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied), nil
		}
		if len(cmd.Data) != 16 {
			return apdu.NewResponse(nil, apdu.SWWrongLength), nil
		}
		hostCryptogram, mac := cmd.Data[:8], cmd.Data[8:]
		expected, err := HostCryptogram(c.session.MAC, c.seq, c.cardChallenge, c.hostChallenge)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if subtle.ConstantTimeCompare(hostCryptogram, expected) != 1 {
			return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied), nil
		}
		expectedMAC, err := ComputeCMAC(c.session.MAC, make([]byte, 8), claGP, insExternalAuth, cmd.P1, cmd.P2, hostCryptogram)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !bytes.Equal(mac, expectedMAC) {
			return apdu.NewResponse(nil, apdu.SWSecurityNotSatisfied), nil
		}
		return apdu.NewResponse(nil, apdu.SWSuccess), nil
	}
	return apdu.NewResponse(nil, apdu.SWSuccess), nil
}

func openTestChannel(t *testing.T, card *fakeCard, level SecurityLevel) *Channel {
	t.Helper()
	channel, err := NewChannel(Config{
		Keys:     card.keys,
		Transmit: card.transmit,
		Rand:     bytes.NewReader(make([]byte, 64)),
	})
	require.NoError(t, err)
	require.NoError(t, channel.Open(context.Background(), level))
	return channel
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	channel := openTestChannel(t, card, SecurityLevelCMAC)

	require.Equal(t, StateOpen, channel.State())
	require.True(t, channel.Authenticated())
	require.Equal(t, SecurityLevelCMAC, channel.SecurityLevel())
	require.Equal(t, []byte{0x00, 0x01}, channel.SequenceCounter())

	// INITIALIZE UPDATE then EXTERNAL AUTHENTICATE.
	require.Len(t, card.received, 2)
	require.Equal(t, byte(claGP), card.received[0].CLA)
	require.Equal(t, byte(insInitUpdate), card.received[0].INS)
	require.Equal(t, byte(claGPSecure), card.received[1].CLA)
	require.Equal(t, byte(insExternalAuth), card.received[1].INS)
}

func TestHandshakeCryptogramMismatch(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	card.corruptCryptogram = true

	channel, err := NewChannel(Config{
		Keys:     card.keys,
		Transmit: card.transmit,
		Rand:     bytes.NewReader(make([]byte, 64)),
	})
	require.NoError(t, err)

	err = channel.Open(context.Background(), SecurityLevelCMAC)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, StateClosed, channel.State())
}

func TestHandshakeExternalAuthRejected(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	card.failExternalAuth = true

	channel, err := NewChannel(Config{
		Keys:     card.keys,
		Transmit: card.transmit,
		Rand:     bytes.NewReader(make([]byte, 64)),
	})
	require.NoError(t, err)

	err = channel.Open(context.Background(), SecurityLevelCMAC)
	require.Error(t, err)
	require.Equal(t, StateClosed, channel.State())
}

func TestOperationsRequireOpenChannel(t *testing.T) {
	t.Parallel()

	channel, err := NewChannel(Config{
		Keys: DefaultTestKeys(),
		Transmit: func(ctx context.Context, cmd *apdu.Command) (*apdu.Response, error) {
			return apdu.NewResponse(nil, apdu.SWSuccess), nil
		},
	})
	require.NoError(t, err)

	_, err = channel.Wrap(&apdu.Command{CLA: 0x80, INS: 0xF2})
	require.Error(t, err)

	_, err = channel.WrapKey(make([]byte, 16))
	require.Error(t, err)
}

func TestWrapAppendsChainedMAC(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	channel := openTestChannel(t, card, SecurityLevelCMAC)

	putKey := &apdu.Command{CLA: 0x80, INS: 0xD8, P1: 0x00, P2: 0x81, Data: []byte{0x01, 0x02, 0x03}}
	chainBefore := channel.MACChainingValue()

	wrapped, err := channel.Wrap(putKey)
	require.NoError(t, err)
	require.Equal(t, byte(0x84), wrapped.CLA)
	require.Len(t, wrapped.Data, len(putKey.Data)+8)
	require.Equal(t, putKey.Data, wrapped.Data[:3])

	mac := wrapped.Data[3:]
	expected, err := ComputeCMAC(card.session.MAC, chainBefore, putKey.CLA, putKey.INS, putKey.P1, putKey.P2, putKey.Data)
	require.NoError(t, err)
	require.Equal(t, expected, mac)
	require.Equal(t, mac, channel.MACChainingValue())
}

func TestWrapEncryptsAfterMAC(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	channel := openTestChannel(t, card, SecurityLevelCMACEnc)

	plaintext := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	chainBefore := channel.MACChainingValue()

	wrapped, err := channel.Wrap(&apdu.Command{CLA: 0x80, INS: 0xE2, Data: plaintext})
	require.NoError(t, err)

	// MAC over the plaintext, data field carries the ciphertext.
	mac := wrapped.Data[len(wrapped.Data)-8:]
	expectedMAC, err := ComputeCMAC(card.session.MAC, chainBefore, 0x80, 0xE2, 0x00, 0x00, plaintext)
	require.NoError(t, err)
	require.Equal(t, expectedMAC, mac)

	ciphertext := wrapped.Data[:len(wrapped.Data)-8]
	expectedCiphertext, err := tripleDESCBCEncrypt(card.session.ENC, make([]byte, 8), pad80(plaintext, 8))
	require.NoError(t, err)
	require.Equal(t, expectedCiphertext, ciphertext)
	require.NotEqual(t, plaintext, ciphertext[:len(plaintext)])
}

func TestWrapKey(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	channel := openTestChannel(t, card, SecurityLevelCMAC)

	key := bytes.Repeat([]byte{0xA5}, 16)
	wrapped, err := channel.WrapKey(key)
	require.NoError(t, err)
	require.Len(t, wrapped, 24)

	ciphertext, err := tripleDESECBEncrypt(card.session.DEK, key)
	require.NoError(t, err)
	require.Equal(t, ciphertext, wrapped[:16])

	check, err := kcv(key)
	require.NoError(t, err)
	require.Equal(t, check, wrapped[16:19])
}

func TestConcurrentSendsChainMonotonically(t *testing.T) {
	t.Parallel()

	card := newFakeCard(DefaultTestKeys())
	channel := openTestChannel(t, card, SecurityLevelCMAC)

	const sends = 16
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := channel.Send(context.Background(), &apdu.Command{CLA: 0x80, INS: 0xF2, Data: []byte{0x4F, 0x00}})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// Replay the captured wrapped commands: each MAC must chain off the
	// previous one in capture order.
	secured := card.received[2:]
	require.Len(t, secured, sends)
	chain, err := ComputeCMAC(card.session.MAC, make([]byte, 8), claGP, insExternalAuth, byte(SecurityLevelCMAC), 0x00, card.received[1].Data[:8])
	require.NoError(t, err)
	for i, cmd := range secured {
		data := cmd.Data[:len(cmd.Data)-8]
		mac := cmd.Data[len(cmd.Data)-8:]
		expected, err := ComputeCMAC(card.session.MAC, chain, cmd.CLA&^byte(0x04), cmd.INS, cmd.P1, cmd.P2, data)
		require.NoError(t, err)
		require.Equal(t, expected, mac, "command %d out of chain order", i)
		chain = mac
	}
}

func TestDeriveSessionKeys(t *testing.T) {
	t.Parallel()

	keys := DefaultTestKeys()
	a, err := DeriveSessionKeys(keys, []byte{0x00, 0x01})
	require.NoError(t, err)
	require.Len(t, a.ENC, 16)
	require.Len(t, a.MAC, 16)
	require.Len(t, a.DEK, 16)

	// Distinct derivation constants produce distinct keys.
	require.NotEqual(t, a.ENC, a.MAC)
	require.NotEqual(t, a.MAC, a.DEK)
	require.NotEqual(t, a.ENC, a.DEK)

	// Derivation is deterministic in (keys, seq) and sensitive to seq.
	b, err := DeriveSessionKeys(keys, []byte{0x00, 0x01})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := DeriveSessionKeys(keys, []byte{0x00, 0x02})
	require.NoError(t, err)
	require.NotEqual(t, a.MAC, c.MAC)

	_, err = DeriveSessionKeys(keys, []byte{0x00})
	require.Error(t, err)
}

func TestWrapKeyValidatesLength(t *testing.T) {
	t.Parallel()

	_, err := WrapKey(make([]byte, 16), make([]byte, 8))
	require.Error(t, err)
}
