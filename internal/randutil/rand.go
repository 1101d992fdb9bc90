// Package randutil provides randomness helpers for jitter and tokens.
package randutil

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand/v2"
	"time"
)

// Duration returns a uniformly distributed duration in [min, max].
func Duration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(mrand.Int64N(int64(max-min)+1))
}

// IntN returns a uniformly distributed integer in [min, max].
func IntN(min, max int) int {
	if max <= min {
		return min
	}
	return min + mrand.IntN(max-min+1)
}

// Token returns a random hex token of n bytes of entropy.
func Token(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
