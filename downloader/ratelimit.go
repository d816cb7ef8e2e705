package downloader

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// slotRetryHint is the retry delay reported when a user's execution
// slots are exhausted. Slot lifetime depends on transfer duration, so
// no exact refill time exists.
const slotRetryHint = 10 * time.Second

// userBudget is the mutable throttling state of one user. All fields
// are guarded by mu so token observation and consumption stay atomic
// relative to concurrent callers for the same user.
type userBudget struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	slotsInUse  int
	violations  int
	bannedUntil time.Time
}

// UserRateLimiter throttles submissions with a per-user token bucket and
// bounds per-user concurrent execution with a slot counter. Users who
// keep submitting through denials are banned for a fixed period.
type UserRateLimiter struct {
	mu    sync.RWMutex
	users map[int64]*userBudget

	fillRate rate.Limit
	burst    int
	slotCap  int
	banAfter int
	banFor   time.Duration

	logger *zap.Logger
}

// NewUserRateLimiter creates a limiter granting perWindow submissions per
// window and slotCap concurrent executions per user. banAfter consecutive
// submission denials ban the user for banFor; banAfter <= 0 disables
// escalation.
func NewUserRateLimiter(perWindow int, window time.Duration, slotCap int, banAfter int, banFor time.Duration, logger *zap.Logger) *UserRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserRateLimiter{
		users:    make(map[int64]*userBudget),
		fillRate: rate.Limit(float64(perWindow) / window.Seconds()),
		burst:    perWindow,
		slotCap:  slotCap,
		banAfter: banAfter,
		banFor:   banFor,
		logger:   logger.Named("ratelimit"),
	}
}

// budgetFor returns the user's budget, creating it on first contact
func (l *UserRateLimiter) budgetFor(userID int64) *userBudget {
	l.mu.RLock()
	budget, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return budget
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if budget, ok = l.users[userID]; ok {
		return budget
	}
	budget = &userBudget{limiter: rate.NewLimiter(l.fillRate, l.burst)}
	l.users[userID] = budget
	return budget
}

// TryAcquire atomically consumes one token of the given kind for a user
func (l *UserRateLimiter) TryAcquire(userID int64, kind AcquireKind) Grant {
	budget := l.budgetFor(userID)
	budget.mu.Lock()
	defer budget.mu.Unlock()

	now := time.Now()
	if now.Before(budget.bannedUntil) {
		return Grant{Granted: false, RetryAfter: budget.bannedUntil.Sub(now)}
	}

	switch kind {
	case KindSubmission:
		reservation := budget.limiter.Reserve()
		if !reservation.OK() {
			l.recordViolationLocked(userID, budget, now)
			return Grant{Granted: false, RetryAfter: slotRetryHint}
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			l.recordViolationLocked(userID, budget, now)
			return Grant{Granted: false, RetryAfter: delay}
		}
		budget.violations = 0
		return Grant{Granted: true}

	case KindConcurrentSlot:
		if budget.slotsInUse >= l.slotCap {
			return Grant{Granted: false, RetryAfter: slotRetryHint}
		}
		budget.slotsInUse++
		return Grant{Granted: true}

	default:
		return Grant{Granted: false, RetryAfter: slotRetryHint}
	}
}

// recordViolationLocked counts a submission denial and escalates to a ban
// once the threshold is crossed. Caller holds budget.mu.
func (l *UserRateLimiter) recordViolationLocked(userID int64, budget *userBudget, now time.Time) {
	if l.banAfter <= 0 {
		return
	}
	budget.violations++
	if budget.violations >= l.banAfter {
		budget.bannedUntil = now.Add(l.banFor)
		budget.violations = 0
		l.logger.Warn("user banned for repeated rate limit violations",
			zap.Int64("user_id", userID),
			zap.Duration("duration", l.banFor))
	}
}

// Release returns a previously acquired token of the given kind.
// Submission tokens refill on their own and releasing one is a no-op.
func (l *UserRateLimiter) Release(userID int64, kind AcquireKind) {
	if kind != KindConcurrentSlot {
		return
	}
	budget := l.budgetFor(userID)
	budget.mu.Lock()
	defer budget.mu.Unlock()
	if budget.slotsInUse > 0 {
		budget.slotsInUse--
	}
}

// Budget returns a read-only snapshot of the user's remaining budget
func (l *UserRateLimiter) Budget(userID int64) RateBudget {
	budget := l.budgetFor(userID)
	budget.mu.Lock()
	defer budget.mu.Unlock()

	now := time.Now()
	tokens := budget.limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	snapshot := RateBudget{
		UserID:           userID,
		SubmissionTokens: int(tokens),
		SlotsInUse:       budget.slotsInUse,
		SlotLimit:        l.slotCap,
		WindowReset:      now,
		BannedUntil:      budget.bannedUntil,
	}
	if missing := float64(l.burst) - tokens; missing > 0 && l.fillRate > 0 {
		refill := time.Duration(missing / float64(l.fillRate) * float64(time.Second))
		snapshot.WindowReset = now.Add(refill)
	}
	return snapshot
}
