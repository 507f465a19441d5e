package api

import (
	"sync"
	"time"
)

// PendingInvoiceLimiter tracks open (unsettled, unexpired) invoices per IP
// address and enforces a maximum number of them per IP. This stops a single
// client from filling the ledger with invoices it never pays.
type PendingInvoiceLimiter struct {
	mu          sync.RWMutex
	maxPending  int
	pendingByIP map[string]map[uint64]time.Time // IP -> index -> expires at
	indexToIP   map[uint64]string               // index -> IP (reverse lookup)
	closedEarly map[uint64]time.Time            // index -> closed before it was tracked
	now         func() time.Time
}

// closedRetention is how long an untracked close is remembered.
const closedRetention = 10 * time.Minute

// NewPendingInvoiceLimiter creates a limiter allowing maxPending open
// invoices per IP.
func NewPendingInvoiceLimiter(maxPending int) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxPending:  maxPending,
		pendingByIP: make(map[string]map[uint64]time.Time),
		indexToIP:   make(map[uint64]string),
		closedEarly: make(map[uint64]time.Time),
		now:         time.Now,
	}
}

// CanCreate reports whether ip is under its limit.
func (l *PendingInvoiceLimiter) CanCreate(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip]) < l.maxPending
}

// PendingCount returns the number of open invoices for an IP.
func (l *PendingInvoiceLimiter) PendingCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip])
}

func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a newly created invoice for ip. An invoice that already
// settled between creation and Track is not counted.
func (l *PendingInvoiceLimiter) Track(ip string, index uint64, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.closedEarly[index]; ok {
		delete(l.closedEarly, index)
		return
	}

	// An index has at most one owner
	l.removeLocked(index)

	if l.pendingByIP[ip] == nil {
		l.pendingByIP[ip] = make(map[uint64]time.Time)
	}
	l.pendingByIP[ip][index] = expiresAt
	l.indexToIP[index] = ip
}

// OnInvoiceClosed stops tracking index. It is registered as the
// coordinator's invoice-closed callback.
func (l *PendingInvoiceLimiter) OnInvoiceClosed(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.removeLocked(index) {
		l.closedEarly[index] = l.now()
	}
}

func (l *PendingInvoiceLimiter) removeLocked(index uint64) bool {
	ip, ok := l.indexToIP[index]
	if !ok {
		return false
	}

	delete(l.indexToIP, index)
	if invoices := l.pendingByIP[ip]; invoices != nil {
		delete(invoices, index)
		if len(invoices) == 0 {
			delete(l.pendingByIP, ip)
		}
	}
	return true
}

// CleanupExpired drops invoices whose deadline is before now and returns
// how many were removed. It runs after every ledger sweep.
func (l *PendingInvoiceLimiter) CleanupExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, invoices := range l.pendingByIP {
		for index, expiresAt := range invoices {
			if expiresAt.Before(now) {
				delete(invoices, index)
				delete(l.indexToIP, index)
				removed++
			}
		}
		if len(invoices) == 0 {
			delete(l.pendingByIP, ip)
		}
	}

	for index, closedAt := range l.closedEarly {
		if now.Sub(closedAt) > closedRetention {
			delete(l.closedEarly, index)
		}
	}

	return removed
}
