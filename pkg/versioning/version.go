// Package versioning tracks the ledger protocol version and decides which entry
// versions a running node can still read.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the build version, overridden with -ldflags at release time.
var Version = "0.1.0-dev"

const (
	// ProtocolVersion is stamped on every ledger entry written by this build.
	ProtocolVersion = "1.0.0"
	// MinProtocolVersion is the oldest entry version this build can verify.
	MinProtocolVersion = "1.0.0"
)

// Compatible reports whether an entry written under protocol v can be read by this build.
// Entries from a newer major version are rejected.
func Compatible(v string) (bool, error) {
	got, err := semver.NewVersion(v)
	if err != nil {
		return false, fmt.Errorf("invalid protocol version %q: %w", v, err)
	}
	current := semver.MustParse(ProtocolVersion)
	constraint, err := semver.NewConstraint(fmt.Sprintf(">= %s, < %d.0.0", MinProtocolVersion, current.Major()+1))
	if err != nil {
		return false, err
	}
	return constraint.Check(got), nil
}
