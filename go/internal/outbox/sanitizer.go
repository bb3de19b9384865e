package outbox

import "strings"

// Error messages land in the error_message column; keep them bounded so a
// pathological driver error cannot bloat the ledger.
const maxStoredErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

// SanitizeErrorForStorage bounds an error message before it is persisted.
func SanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())

	runes := []rune(msg)
	if len(runes) <= maxStoredErrorLength {
		return msg
	}

	return string(runes[:maxStoredErrorLength-len(errorTruncatedSuffix)]) + errorTruncatedSuffix
}
