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
	"crypto/cipher"
	"crypto/des"

	"github.com/gravitational/trace"
)

// expandKey converts a 16-byte two-key 3DES key into the 24-byte
// K1||K2||K1 form crypto/des expects.
func expandKey(k []byte) ([]byte, error) {
	switch len(k) {
	case 16:
		out := make([]byte, 24)
		copy(out, k)
		copy(out[16:], k[:8])
		return out, nil
	case 24:
		return append([]byte{}, k...), nil
	}
	return nil, trace.BadParameter("3DES key must be 16 or 24 bytes, got %v", len(k))
}

// pad80 applies ISO 9797-1 method 2 padding: a mandatory 0x80 byte then
// zeros up to a multiple of the block size.
func pad80(in []byte, blockSize int) []byte {
	out := make([]byte, len(in), len(in)+blockSize)
	copy(out, in)
	out = append(out, 0x80)
	for len(out)%blockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}

// tripleDESCBCEncrypt encrypts already-padded data with 3DES in CBC mode.
func tripleDESCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	key24, err := expandKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(iv) != des.BlockSize {
		return nil, trace.BadParameter("IV must be %v bytes, got %v", des.BlockSize, len(iv))
	}
	if len(data)%des.BlockSize != 0 {
		return nil, trace.BadParameter("data must be a multiple of %v bytes, got %v", des.BlockSize, len(data))
	}
	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// tripleDESECBEncrypt encrypts data block-by-block with 3DES in ECB mode.
func tripleDESECBEncrypt(key, data []byte) ([]byte, error) {
	key24, err := expandKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data)%des.BlockSize != 0 {
		return nil, trace.BadParameter("data must be a multiple of %v bytes, got %v", des.BlockSize, len(data))
	}
	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += des.BlockSize {
		block.Encrypt(out[i:i+des.BlockSize], data[i:i+des.BlockSize])
	}
	return out, nil
}

// retailMAC computes the ISO 9797-1 MAC algorithm 3 ("Retail MAC") with
// method 2 padding: single-DES CBC under K1 over all blocks, then a
// final 3DES transform (decrypt K2, encrypt K1) of the last block.
func retailMAC(key, iv, data []byte) ([]byte, error) {
	key24, err := expandKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(iv) != des.BlockSize {
		return nil, trace.BadParameter("IV must be %v bytes, got %v", des.BlockSize, len(iv))
	}
	k1, err := des.NewCipher(key24[:8])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	k2, err := des.NewCipher(key24[8:16])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	padded := pad80(data, des.BlockSize)
	state := make([]byte, des.BlockSize)
	copy(state, iv)
	buf := make([]byte, des.BlockSize)
	for i := 0; i < len(padded); i += des.BlockSize {
		for j := 0; j < des.BlockSize; j++ {
			buf[j] = padded[i+j] ^ state[j]
		}
		k1.Encrypt(state, buf)
	}
	k2.Decrypt(state, state)
	k1.Encrypt(state, state)
	return append([]byte{}, state...), nil
}

// TripleDESCBCDecrypt reverses TripleDESCBCEncrypt under a zero IV; the
// card side uses it to recover encrypted command data.
func TripleDESCBCDecrypt(key, data []byte) ([]byte, error) {
	key24, err := expandKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data)%des.BlockSize != 0 {
		return nil, trace.BadParameter("data must be a multiple of %v bytes, got %v", des.BlockSize, len(data))
	}
	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, des.BlockSize)).CryptBlocks(out, data)
	return out, nil
}

// Unpad80 strips ISO 9797-1 method 2 padding. The second return is
// false when the padding is malformed.
func Unpad80(data []byte) ([]byte, bool) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], true
		default:
			return nil, false
		}
	}
	return nil, false
}

// kcv computes a key check value: the first three bytes of encrypting a
// zero block with the key.
func kcv(key []byte) ([]byte, error) {
	out, err := tripleDESECBEncrypt(key, make([]byte, des.BlockSize))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out[:3], nil
}
