// Package security guards file lookups driven by job data.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinBoundary ensures that targetPath is within or equal to boundaryPath.
// Action references come from job data, so a reference like "../../bin"
// must not reach outside the directory it is resolved against.
//
// Example:
//
//	boundary := "/runner/actions"
//	target := "/runner/actions/org/setup-go"  // valid
//	target := "/runner/actions/../metadata"   // invalid
//
// Returns an error if:
//   - Either path cannot be resolved to absolute form
//   - targetPath is outside boundaryPath (escapes using "..")
func ValidatePathWithinBoundary(boundaryPath, targetPath string) error {
	absBoundary, err := filepath.Abs(boundaryPath)
	if err != nil {
		return fmt.Errorf("failed to resolve boundary path %q: %w", boundaryPath, err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return fmt.Errorf("failed to resolve target path %q: %w", targetPath, err)
	}

	rel, err := filepath.Rel(absBoundary, absTarget)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", absBoundary, absTarget, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %q escapes boundary %q", targetPath, boundaryPath)
	}

	return nil
}
