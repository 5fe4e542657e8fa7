package gsmgate

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const (
	digits       = "0123456789"
	referenceSet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// randomString draws n characters uniformly from alphabet using crypto/rand
func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func newLoginCode(n int) (string, error) {
	return randomString(digits, n)
}

// newReference avoids 0/O and 1/I so references survive being typed into a
// bank app by hand
func newReference(n int) (string, error) {
	return randomString(referenceSet, n)
}

func secretsEqual(expected, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}
