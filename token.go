// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package xdm

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
)

// TokenLen is the length in bytes of a handshake token.
const TokenLen = 22

// NewToken returns a fresh handshake token: TokenLen base-36 digits drawn
// from two independent random values.
func NewToken() string {
	var buf [16]byte
	rand.Read(buf[:])
	return fingerprint(binary.BigEndian.Uint64(buf[:8])) + fingerprint(binary.BigEndian.Uint64(buf[8:]))
}

// fingerprint renders half of a token from the low-order digits of v.
func fingerprint(v uint64) string {
	const half = TokenLen / 2
	s := strconv.FormatUint(v, 36)
	if len(s) < half {
		return strings.Repeat("0", half-len(s)) + s
	}
	return s[len(s)-half:]
}
