package util

import (
	"fmt"
	"os"
	"strings"
)

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB)
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for verbose logging.
// Upstream error bodies can be arbitrarily large; logs keep only the head.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// TruncateRunes cuts s to at most maxRunes characters and appends marker when
// anything was dropped. Unlike TruncateLog it never splits a UTF-8 sequence.
func TruncateRunes(s string, maxRunes int, marker string) string {
	if maxRunes <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i] + marker
		}
		count++
	}
	return s
}

// MaskToken hides everything but the tail of a credential for log output.
func MaskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-6:]
}

// IsVerbose checks if ORCA_VERBOSE environment variable is set.
// Accepts: "1", "true", "yes" (case-insensitive)
func IsVerbose() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ORCA_VERBOSE"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
