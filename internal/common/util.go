package common

import "crypto/rand"

// GenerateRandByteArray returns size cryptographically random bytes.
// It panics if the platform's random source is unavailable, because no
// caller can proceed safely with weaker randomness.
func GenerateRandByteArray(size int) []byte {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

// WipeByteArray zeroes the buffer in place. Nil-safe. Used to overwrite
// key material and tokens before releasing them.
func WipeByteArray(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
