package diff

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLabel splits a version label of the form v<major>.<minor>. Labels that
// do not match the form parse as v0.0.
func ParseLabel(label string) (major, minor int) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(label), "v")
	parts := strings.SplitN(trimmed, ".", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	major, errMajor := strconv.Atoi(parts[0])
	minor, errMinor := strconv.Atoi(parts[1])
	if errMajor != nil || errMinor != nil {
		return 0, 0
	}
	return major, minor
}

// FormatLabel renders a version label.
func FormatLabel(major, minor int) string {
	return fmt.Sprintf("v%d.%d", major, minor)
}

// NextLabel derives the label following prev. A major change bumps the major
// component and resets the minor one.
func NextLabel(prev string, major bool) string {
	prevMajor, prevMinor := ParseLabel(prev)
	if major {
		return FormatLabel(prevMajor+1, 0)
	}
	return FormatLabel(prevMajor, prevMinor+1)
}
