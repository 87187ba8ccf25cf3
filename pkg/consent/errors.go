package consent

import (
	"errors"
	"fmt"
)

var (
	ErrAgeRequirementNotMet = errors.New("age requirement not met")
	ErrDisciplineIneligible = errors.New("discipline eligibility failed")
	ErrConsentRevoked       = errors.New("consent revoked")
	ErrAttestationInvalid   = errors.New("attestation verification failed")
	ErrProvider             = errors.New("provider error")
	// ErrBlockchain wraps every failure at the ledger boundary.
	ErrBlockchain = errors.New("blockchain error")
)

// AgeError is returned when a user is younger than the configured minimum.
type AgeError struct {
	Age    uint8
	MinAge uint8
}

func (e *AgeError) Error() string {
	return fmt.Sprintf("age requirement not met: user is %d years old, minimum is %d", e.Age, e.MinAge)
}

func (e *AgeError) Is(target error) bool {
	return target == ErrAgeRequirementNotMet
}

// IsPolicyRejection reports whether err is a user-facing policy decision rather than a
// boundary failure.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrAgeRequirementNotMet) || errors.Is(err, ErrDisciplineIneligible)
}
