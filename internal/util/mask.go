package util

import "fmt"

// DefaultLogMaxLen caps log payload dumps at 1KB.
const DefaultLogMaxLen = 1024

// MaskToken hides all but a short suffix of a credential value so log lines
// can distinguish tokens without leaking them.
func MaskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-12:]
}

// TruncateLog shortens long strings for log output.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
