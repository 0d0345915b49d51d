// SPDX-License-Identifier: MIT

// Package version carries build identification, populated via ldflags.
package version

import "fmt"

var (
	// Version is the release tag for this build.
	Version = "v0.4.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identification line.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
