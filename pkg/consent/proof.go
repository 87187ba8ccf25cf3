package consent

import (
	"crypto/subtle"
	"fmt"

	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

// DeriveProof binds a grant transaction to the minimum-age policy it was issued under.
// A proof issued under one policy does not validate under another.
func DeriveProof(txHash string, minAge uint8) string {
	return crypto.HashData(fmt.Sprintf("%s:%d", txHash, minAge))
}

func proofMatches(supplied, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) == 1
}
