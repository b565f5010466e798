package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buskeeper/buskeeper/core/mediation"
)

// PendingConfirmation holds an operation suspended behind a confirmation
// token until the caller presents the token or it expires.
type PendingConfirmation struct {
	Operation Operation
	Category  string
	IssuedAt  time.Time
}

// Confirmations issues and redeems single-use confirmation tokens.
type Confirmations struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]PendingConfirmation
}

// NewConfirmations creates a token store with the given time-to-live.
func NewConfirmations(ttl time.Duration) *Confirmations {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Confirmations{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]PendingConfirmation),
	}
}

// Issue registers op behind a fresh token and returns the token.
func (c *Confirmations) Issue(op Operation, category string) string {
	token := uuid.NewString()
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.pending[token] = PendingConfirmation{Operation: op, Category: category, IssuedAt: now}
	return token
}

// Consume redeems a token exactly once. A second use of the same token fails
// with ConfirmationInvalid; a token past its TTL fails with
// ConfirmationExpired and is discarded. On the expired path the pending
// confirmation is still returned so the caller can audit the operation it
// carried.
func (c *Confirmations) Consume(token string) (PendingConfirmation, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[token]
	if !ok {
		return PendingConfirmation{}, mediation.New(mediation.CodeConfirmationInvalid, "", "unknown or already used confirmation token")
	}
	delete(c.pending, token)
	if now.Sub(pc.IssuedAt) > c.ttl {
		return pc, mediation.New(mediation.CodeConfirmationExpired, pc.Category, "confirmation token expired")
	}
	return pc, nil
}

// PendingCount reports how many confirmations are outstanding.
func (c *Confirmations) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	return len(c.pending)
}

// prune drops expired tokens; callers hold c.mu.
func (c *Confirmations) prune(now time.Time) {
	for token, pc := range c.pending {
		if now.Sub(pc.IssuedAt) > c.ttl {
			delete(c.pending, token)
		}
	}
}
