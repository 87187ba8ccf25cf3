package ledger

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// UserKey normalises a user identifier before it is used as a storage key, so that
// canonically equivalent spellings address the same record.
func UserKey(userID string) string {
	return norm.NFC.String(strings.TrimSpace(userID))
}
