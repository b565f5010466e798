package audit

import (
	"strings"
	"time"
)

// Record is one append-only audit entry: one per decision and one per
// terminal privileged execution state. Seq is a monotonic sequence number
// assigned by the logger, independent of wall clock, since wall clock can be
// adjusted under us.
type Record struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Bus        string    `json:"bus"`
	Target     string    `json:"target"`
	Interface  string    `json:"interface,omitempty"`
	Method     string    `json:"method"`
	ArgSummary string    `json:"arg_summary,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Category   string    `json:"category"`
	Verdict    string    `json:"verdict"`
	Reason     string    `json:"reason,omitempty"`

	// Privileged execution outcome, only set for privileged requests.
	PrivilegedState string `json:"privileged_state,omitempty"`
	ExecutorCode    int    `json:"executor_code,omitempty"`

	Detail map[string]string `json:"detail,omitempty"`
}

var sensitiveKeys = []string{"password", "token", "secret", "key", "credential"}

// SanitizeDetail redacts values under sensitive key names so audit records
// never carry credentials even when callers attach free-form detail.
func SanitizeDetail(detail map[string]string) map[string]string {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]string, len(detail))
	for k, v := range detail {
		if isSensitiveKey(k) {
			out[k] = "<redacted>"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
