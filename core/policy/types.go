package policy

import (
	"fmt"
	"strings"
)

// BusScope identifies which trust domain an operation targets.
type BusScope string

const (
	BusSession BusScope = "session"
	BusSystem  BusScope = "system"
)

// Operation is a single candidate bus call. It is immutable once constructed
// and lives only for the duration of one decision plus its audit write.
// ArgSummary carries the argument signature (types/arity), never payloads,
// so audit records stay free of sensitive content.
type Operation struct {
	Bus        BusScope
	Target     string
	Interface  string
	Method     string
	ArgSummary string
	Origin     string
}

func (o Operation) String() string {
	return fmt.Sprintf("%s:%s %s.%s", o.Bus, o.Target, o.Interface, o.Method)
}

// TrustTier is the configured ceiling of operation risk. High is the most
// restrictive tier; Low permits everything Medium and High permit, plus more.
type TrustTier int

const (
	TierHigh TrustTier = iota
	TierMedium
	TierLow
)

func (t TrustTier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name; unknown values fall back to the most
// restrictive tier so a typo in configuration can never widen access.
func ParseTier(raw string) TrustTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return TierLow
	case "medium":
		return TierMedium
	default:
		return TierHigh
	}
}

// Permits reports whether an active tier t satisfies a category's minimum
// tier. Capability grows from High to Low, so the comparison is on the
// ordinal: an active tier permits any minimum at or below its own ordinal.
func (t TrustTier) Permits(min TrustTier) bool {
	return t >= min
}

// Verdict is the outcome of one policy decision.
type Verdict string

const (
	VerdictAllow               Verdict = "allow"
	VerdictDeny                Verdict = "deny"
	VerdictRequireConfirmation Verdict = "require_confirmation"
	VerdictForbidden           Verdict = "forbidden"
)

// Decision is a fully-resolved verdict. Reason names the matched category (or
// "uncategorized") and the rule that fired, never internal engine state.
type Decision struct {
	Verdict     Verdict
	Category    string
	Reason      string
	Token       string
	RateLimited bool
	RetryAfter  int // seconds, rounded up; only set for rate-limited denials
	Privileged  bool
}

// UncategorizedName labels operations no rule matched in audit records and
// denial reasons.
const UncategorizedName = "uncategorized"
