// Package idgen allocates user keys and upload ids via rejection
// sampling over crypto/rand.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// UserKeyAlphabet excludes the characters that are easy to confuse when
// read aloud or typed: 0/O, I/l.
const UserKeyAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// UploadIDAlphabet is the full alphanumeric set.
const UploadIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	userKeyLength  = 16
	uploadIDLength = 20
)

// random draws n characters from alphabet using rejection sampling.
func random(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("idgen: read random: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// NewUploadID returns a 20-character alphanumeric upload id. The id
// space (62^20) is large enough that callers may skip the exists-check
// used for user keys, but retrying on collision is cheap insurance.
func NewUploadID() (string, error) {
	return random(UploadIDAlphabet, uploadIDLength)
}

// NewUserKey returns a 16-character user key drawn from the restricted
// alphabet. exists reports whether a candidate is already taken; the
// factory retries until it draws one that isn't.
func NewUserKey(exists func(string) bool) (string, error) {
	for {
		candidate, err := random(UserKeyAlphabet, userKeyLength)
		if err != nil {
			return "", err
		}
		if exists == nil || !exists(candidate) {
			return candidate, nil
		}
	}
}
