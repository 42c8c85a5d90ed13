package room

import (
	"crypto/rand"
	"math/big"
)

// CodeAttempts bounds how many times room creation retries code generation
// before giving up with ErrCodeCollision.
const CodeAttempts = 5

// NewCode returns a random 6-digit room code (100000–999999).
func NewCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return big.NewInt(0).Add(n, big.NewInt(100000)).String()
}
