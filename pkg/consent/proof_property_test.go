package consent

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: DeriveProof is a deterministic function of (tx, minAge) and changing
// either input changes the result.
func TestDeriveProofBinding(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("proof is deterministic", prop.ForAll(
		func(tx string, minAge uint8) bool {
			return DeriveProof(tx, minAge) == DeriveProof(tx, minAge)
		},
		gen.AlphaString(),
		gen.UInt8(),
	))

	properties.Property("changing min age changes proof", prop.ForAll(
		func(tx string, a, b uint8) bool {
			if a == b {
				return true
			}
			return DeriveProof(tx, a) != DeriveProof(tx, b)
		},
		gen.AlphaString(),
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.Property("changing tx changes proof", prop.ForAll(
		func(tx1, tx2 string, minAge uint8) bool {
			if tx1 == tx2 {
				return true
			}
			return DeriveProof(tx1, minAge) != DeriveProof(tx2, minAge)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// Property: every age below the minimum is rejected before discipline or ledger calls.
func TestAgeGateShortCircuit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("under-age requests never reach discipline or ledger", prop.ForAll(
		func(age uint8) bool {
			provider := &fakeProvider{age: age, disciplineProof: "discipline:verified"}
			ledger := newFakeLedger()
			engine := NewEngine(provider, ledger, DefaultMinAge)

			_, err := engine.RequestConsent(context.Background(), "u")
			return err != nil && provider.disciplineCalls == 0 && ledger.recordCalls == 0
		},
		gen.UInt8Range(0, DefaultMinAge-1),
	))

	properties.TestingRun(t)
}
