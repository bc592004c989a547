package util

import (
	"strings"

	"github.com/google/uuid"
)

// RandString returns a random alphanumeric string of length n.
// Characters are taken from the hex form of random UUIDs.
func RandString(n int) string {
	sb := GetStringBuilder()
	defer FreeStringBuilder(sb)

	for sb.Len() < n {
		sb.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return sb.String()[:n]
}

// NewTag returns a new random tag suitable for From/To header fields.
func NewTag() string { return RandString(16) }

// NewID returns a new globally unique identifier.
func NewID() string { return uuid.NewString() }
