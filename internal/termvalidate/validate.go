// Package termvalidate holds the structural checks on pod/container
// identifiers, resize dimensions, and input payloads that gate every
// terminal operation before it reaches a session.
package termvalidate

import (
	"fmt"
	"regexp"
)

// dns1123Label matches a Kubernetes DNS-1123 label: lowercase alphanumerics
// and hyphens, never starting or ending on a hyphen.
var dns1123Label = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

const maxLabelLength = 253

const (
	minResizeDim = 1
	maxResizeDim = 1000
)

const maxInputBytes = 64 * 1024

// ValidatePodContainer rejects anything that isn't a non-empty, DNS-1123
// label-shaped string of bounded length.
func ValidatePodContainer(pod, container string) error {
	if err := validateLabel("pod", pod); err != nil {
		return err
	}
	if err := validateLabel("container", container); err != nil {
		return err
	}
	return nil
}

func validateLabel(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if len(value) > maxLabelLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxLabelLength)
	}
	if !dns1123Label.MatchString(value) {
		return fmt.Errorf("%s is not a valid identifier", field)
	}
	return nil
}

// ValidateResize clamps cols/rows into [1, 1000] and reports whether the
// input was already within bounds. The clamped pair is always returned so
// callers can apply it regardless of the ok value.
func ValidateResize(cols, rows int) (clampedCols, clampedRows int, ok bool) {
	clampedCols = clamp(cols, minResizeDim, maxResizeDim)
	clampedRows = clamp(rows, minResizeDim, maxResizeDim)
	ok = clampedCols == cols && clampedRows == rows
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ValidateInput bounds-checks a PTY input payload. It is binary-safe and
// imposes no content transformation.
func ValidateInput(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("input must not be empty")
	}
	if len(data) > maxInputBytes {
		return fmt.Errorf("input exceeds %d bytes", maxInputBytes)
	}
	return nil
}
