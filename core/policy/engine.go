package policy

import (
	"fmt"
	"time"
)

// Engine composes the classifier, the active trust tier, the rate limiter
// and the confirmation store into one verdict per operation.
type Engine struct {
	classifier    *Classifier
	limiter       *Limiter
	confirmations *Confirmations
	tier          TrustTier
}

// NewEngine builds the decision engine. The trust tier is process-wide
// configuration fixed at startup; it is never mutated per request.
func NewEngine(classifier *Classifier, limiter *Limiter, confirmations *Confirmations, tier TrustTier) *Engine {
	return &Engine{
		classifier:    classifier,
		limiter:       limiter,
		confirmations: confirmations,
		tier:          tier,
	}
}

// Tier returns the active trust tier.
func (e *Engine) Tier() TrustTier {
	return e.tier
}

// Decide produces a fresh verdict for op. The rule order is a contract:
//
//  1. no category          -> deny (fail-closed)
//  2. forbidden category   -> forbidden, regardless of tier
//  3. tier below minimum   -> deny
//  4. rate limit exceeded  -> deny (retryable)
//  5. confirmation needed  -> require_confirmation with a single-use token
//  6. otherwise            -> allow
//
// Rate limiting runs before confirmation so a flood of confirmation-requiring
// operations is rejected early instead of piling up pending confirmations.
func (e *Engine) Decide(op Operation) Decision {
	cat, ok := e.classifier.Classify(op)
	if !ok {
		return Decision{
			Verdict:  VerdictDeny,
			Category: UncategorizedName,
			Reason:   "no rule matched the operation",
		}
	}

	if cat.Forbidden {
		return Decision{
			Verdict:  VerdictForbidden,
			Category: cat.Name,
			Reason:   "category is always denied",
		}
	}

	if !e.tier.Permits(cat.Tier()) {
		return Decision{
			Verdict:  VerdictDeny,
			Category: cat.Name,
			Reason: fmt.Sprintf("requires trust tier %s or lower restriction, active tier is %s",
				cat.Tier(), e.tier),
		}
	}

	if !e.limiter.Check(cat.Name, op.Target, cat.RateLimit) {
		return Decision{
			Verdict:     VerdictDeny,
			Category:    cat.Name,
			Reason:      "rate limited",
			RateLimited: true,
			RetryAfter:  retryAfterSeconds(e.limiter.RetryAfter(cat.Name, op.Target)),
		}
	}

	if cat.RequiresConfirmation {
		token := e.confirmations.Issue(op, cat.Name)
		return Decision{
			Verdict:    VerdictRequireConfirmation,
			Category:   cat.Name,
			Reason:     "operation requires out-of-band confirmation",
			Token:      token,
			Privileged: cat.Privileged,
		}
	}

	return Decision{
		Verdict:    VerdictAllow,
		Category:   cat.Name,
		Privileged: cat.Privileged,
	}
}

// DecideConfirmed re-validates a confirmed operation without issuing another
// confirmation. Forbidden/tier/rate rules still apply: confirmation does not
// bypass them, it only satisfies the confirmation requirement.
func (e *Engine) DecideConfirmed(pc PendingConfirmation) Decision {
	cat, ok := e.classifier.Classify(pc.Operation)
	if !ok {
		return Decision{Verdict: VerdictDeny, Category: UncategorizedName, Reason: "no rule matched the operation"}
	}
	if cat.Forbidden {
		return Decision{Verdict: VerdictForbidden, Category: cat.Name, Reason: "category is always denied"}
	}
	if !e.tier.Permits(cat.Tier()) {
		return Decision{
			Verdict:  VerdictDeny,
			Category: cat.Name,
			Reason:   fmt.Sprintf("requires trust tier %s, active tier is %s", cat.Tier(), e.tier),
		}
	}
	return Decision{Verdict: VerdictAllow, Category: cat.Name, Privileged: cat.Privileged}
}

// retryAfterSeconds rounds a retry hint up to whole seconds so a sub-second
// wait is never reported as zero.
func retryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}
