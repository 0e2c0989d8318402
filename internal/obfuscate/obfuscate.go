// Package obfuscate hides a media URL from casual inspection inside relay tokens.
//
// This is not encryption. The key is a fixed single byte and anyone who reads
// this file can reverse the transform. Token integrity comes from the HMAC in
// package token, not from here.
package obfuscate

import (
	"encoding/base64"
	"fmt"
)

const key byte = 0x5a

// Encode XORs every byte of raw with the fixed key and returns unpadded
// URL-safe base64. The output never contains '.', so it can sit inside a
// dot-separated token.
func Encode(raw string) string {
	buf := []byte(raw)
	xor(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode reverses Encode.
func Decode(opaque string) (string, error) {
	buf, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("obfuscate: decode: %w", err)
	}
	xor(buf)
	return string(buf), nil
}

func xor(buf []byte) {
	for i := range buf {
		buf[i] ^= key
	}
}
