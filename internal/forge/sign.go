package forge

import (
	"crypto"
	"crypto/sha256"
)

const cryptoSHA256 = crypto.SHA256

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
