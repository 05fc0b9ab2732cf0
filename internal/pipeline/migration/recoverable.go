package migration

import "strings"

// recoverableSubstrings is the strictly substring-matched allowlist:
// errors containing any of these terms are treated as recoverable
// vzdump-mode failures (retry with the next mode in snapshot -> suspend ->
// stop); anything else is terminal for the phase.
//
// TODO: some of these terms (e.g. "failed to start", "cannot start") can
// also show up for reasons unrelated to vzdump mode; tighten matching once
// there are real operational logs to check it against.
var recoverableSubstrings = []string{
	"bridge",
	"does not exist",
	"not running",
	"snapshot feature is not available",
	"unable to activate",
	"network",
	"vmbr",
	"failed to start",
	"cannot start",
}

// IsRecoverableModeError reports whether errOutput matches the allowlist.
func IsRecoverableModeError(errOutput string) bool {
	lower := strings.ToLower(errOutput)
	for _, s := range recoverableSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// modeOrder is the vzdump mode fallback order.
var modeOrder = []string{"snapshot", "suspend", "stop"}

// nextMode returns the mode after current in modeOrder, or "" if current
// was the last.
func nextMode(current string) string {
	for i, m := range modeOrder {
		if m == current && i+1 < len(modeOrder) {
			return modeOrder[i+1]
		}
	}
	return ""
}
