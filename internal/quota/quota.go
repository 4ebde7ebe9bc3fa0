// Package quota enforces per-user and per-organization token budgets
// over a rolling window, plus a request rate limit per user.
//
// Token accounting is optimistic: callers reserve an estimated amount
// before the work runs, then commit the actual amount or release the
// reservation. A reservation counts against the window immediately so
// concurrent requests cannot jointly overshoot the budget.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrQuotaExceeded indicates the principal's token budget for the
	// current window is exhausted.
	ErrQuotaExceeded = errors.New("token quota exceeded")

	// ErrRateLimited indicates the user is sending requests faster than
	// the configured rate.
	ErrRateLimited = errors.New("request rate limit exceeded")
)

// DefaultWindow is the rolling accounting window for token budgets.
const DefaultWindow = 24 * time.Hour

// Limits configures a tracker.
type Limits struct {
	// UserTokens is the per-user token budget per window. Zero disables
	// the user budget.
	UserTokens int64

	// OrgTokens is the per-organization token budget per window. Zero
	// disables the org budget.
	OrgTokens int64

	// RequestsPerMinute caps request throughput per user. Zero disables
	// rate limiting.
	RequestsPerMinute float64

	// RequestBurst is the rate limiter burst size. Defaults to the
	// rounded-up per-minute rate when zero.
	RequestBurst int

	// Window overrides DefaultWindow when positive.
	Window time.Duration
}

// usage is one timestamped token charge inside a principal's window.
type usage struct {
	at     time.Time
	tokens int64
}

// principal accumulates charges for one user or organization.
type principal struct {
	charges  []usage
	reserved int64
	lastSeen time.Time
}

// spent prunes charges outside the window and returns the remaining sum
// plus outstanding reservations.
func (p *principal) spent(cutoff time.Time) int64 {
	keep := p.charges[:0]
	var sum int64
	for _, c := range p.charges {
		if c.at.After(cutoff) {
			keep = append(keep, c)
			sum += c.tokens
		}
	}
	p.charges = keep
	return sum + p.reserved
}

// Tracker is the quota enforcement point. It is safe for concurrent
// use.
type Tracker struct {
	limits Limits
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	principals map[string]*principal
	limiters   map[uuid.UUID]*userLimiter
	lastSweep  time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	window := limits.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		limits:     limits,
		window:     window,
		logger:     logger,
		now:        time.Now,
		principals: make(map[string]*principal),
		limiters:   make(map[uuid.UUID]*userLimiter),
		lastSweep:  time.Now(),
	}
}

func userKey(id uuid.UUID) string { return "u:" + id.String() }
func orgKey(id uuid.UUID) string  { return "o:" + id.String() }

// Allow applies the per-user request rate limit. It never blocks.
func (t *Tracker) Allow(userID uuid.UUID) error {
	if t.limits.RequestsPerMinute <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ul, ok := t.limiters[userID]
	if !ok {
		burst := t.limits.RequestBurst
		if burst <= 0 {
			burst = int(math.Ceil(t.limits.RequestsPerMinute))
		}
		ul = &userLimiter{
			limiter: rate.NewLimiter(rate.Limit(t.limits.RequestsPerMinute/60.0), burst),
		}
		t.limiters[userID] = ul
	}
	ul.lastSeen = now
	t.sweepLocked(now)

	if !ul.limiter.Allow() {
		return fmt.Errorf("%w: user %s", ErrRateLimited, userID)
	}
	return nil
}

// CheckAndReserve charges an estimated token amount against the user's
// and organization's windows. orgID may be uuid.Nil for users without a
// primary organization; the org budget is then skipped.
//
// On success the returned reservation must be settled with Commit or
// Release. On failure no tokens are charged.
func (t *Tracker) CheckAndReserve(userID, orgID uuid.UUID, estimated int64) (*Reservation, error) {
	if estimated < 0 {
		return nil, fmt.Errorf("estimated tokens must be non-negative, got %d", estimated)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	uk := userKey(userID)
	up := t.principalLocked(uk, now)
	if t.limits.UserTokens > 0 {
		if spent := up.spent(cutoff); spent+estimated > t.limits.UserTokens {
			t.logger.Warn("user token quota exceeded",
				"user_id", userID, "spent", spent, "estimated", estimated, "limit", t.limits.UserTokens)
			return nil, fmt.Errorf("%w: user %s has %d of %d tokens left in the current %s window",
				ErrQuotaExceeded, userID, t.limits.UserTokens-spent, t.limits.UserTokens, t.window)
		}
	}

	var op *principal
	var orgK string
	if orgID != uuid.Nil {
		orgK = orgKey(orgID)
		op = t.principalLocked(orgK, now)
		if t.limits.OrgTokens > 0 {
			if spent := op.spent(cutoff); spent+estimated > t.limits.OrgTokens {
				t.logger.Warn("organization token quota exceeded",
					"org_id", orgID, "spent", spent, "estimated", estimated, "limit", t.limits.OrgTokens)
				return nil, fmt.Errorf("%w: organization %s has %d of %d tokens left in the current %s window",
					ErrQuotaExceeded, orgID, t.limits.OrgTokens-spent, t.limits.OrgTokens, t.window)
			}
		}
	}

	up.reserved += estimated
	if op != nil {
		op.reserved += estimated
	}
	t.sweepLocked(now)

	return &Reservation{
		tracker:   t,
		userKey:   uk,
		orgKey:    orgK,
		estimated: estimated,
	}, nil
}

func (t *Tracker) principalLocked(key string, now time.Time) *principal {
	p, ok := t.principals[key]
	if !ok {
		p = &principal{}
		t.principals[key] = p
	}
	p.lastSeen = now
	return p
}

// sweepLocked drops principals and limiters idle for a full window.
// Runs inline at most once per minute so no background goroutine is
// needed.
func (t *Tracker) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < time.Minute {
		return
	}
	t.lastSweep = now
	for key, p := range t.principals {
		if now.Sub(p.lastSeen) > t.window && p.reserved == 0 {
			delete(t.principals, key)
		}
	}
	for id, ul := range t.limiters {
		if now.Sub(ul.lastSeen) > 10*time.Minute {
			delete(t.limiters, id)
		}
	}
}

// settle converts a reservation into a final charge of actual tokens
// (actual < 0 means release without charging).
func (t *Tracker) settle(r *Reservation, actual int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, key := range []string{r.userKey, r.orgKey} {
		if key == "" {
			continue
		}
		p, ok := t.principals[key]
		if !ok {
			continue
		}
		p.reserved -= r.estimated
		if p.reserved < 0 {
			p.reserved = 0
		}
		if actual > 0 {
			p.charges = append(p.charges, usage{at: now, tokens: actual})
		}
	}
}

// Spent returns the user's charged plus reserved tokens in the current
// window.
func (t *Tracker) Spent(userID uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.principals[userKey(userID)]
	if !ok {
		return 0
	}
	return p.spent(t.now().Add(-t.window))
}

// Reservation is an outstanding optimistic token charge. Exactly one of
// Commit or Release must be called; later calls are no-ops.
type Reservation struct {
	tracker   *Tracker
	userKey   string
	orgKey    string
	estimated int64
	once      sync.Once
}

// Commit replaces the estimate with the actual token count. The actual
// amount is charged even when it exceeds the estimate; the overshoot
// surfaces on the next CheckAndReserve.
func (r *Reservation) Commit(actual int64) {
	if actual < 0 {
		actual = 0
	}
	r.once.Do(func() { r.tracker.settle(r, actual) })
}

// Release returns the reserved tokens without charging anything. Used
// when the request fails before consuming tokens.
func (r *Reservation) Release() {
	r.once.Do(func() { r.tracker.settle(r, -1) })
}
