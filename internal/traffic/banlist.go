package traffic

import (
	"slices"
	"sync"
	"time"
)

// BanList is the set of banned client IPs. Bans are not expired
// individually: the whole list is cleared once the timeout has elapsed
// since the previous clear.
type BanList struct {
	mu          sync.RWMutex
	banned      map[string]struct{}
	timeout     time.Duration
	lastCleared time.Time
}

// NewBanList creates an empty ban list whose clearing window starts at now
func NewBanList(timeout time.Duration, now time.Time) *BanList {
	return &BanList{
		banned:      make(map[string]struct{}),
		timeout:     timeout,
		lastCleared: now,
	}
}

// Ban adds ip and reports whether it was newly banned
func (b *BanList) Ban(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.banned[ip]; exists {
		return false
	}
	b.banned[ip] = struct{}{}
	return true
}

// IsBanned reports whether ip is currently banned
func (b *BanList) IsBanned(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, banned := b.banned[ip]
	return banned
}

// ExpireIfDue clears the list when the timeout has elapsed since the last
// clear and reports how many entries were dropped.
func (b *BanList) ExpireIfDue(now time.Time) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastCleared) < b.timeout {
		return 0, false
	}
	dropped := len(b.banned)
	clear(b.banned)
	b.lastCleared = now
	return dropped, true
}

// List returns the banned IPs in sorted order
func (b *BanList) List() []string {
	b.mu.RLock()
	ips := make([]string, 0, len(b.banned))
	for ip := range b.banned {
		ips = append(ips, ip)
	}
	b.mu.RUnlock()

	slices.Sort(ips)
	return ips
}

// Len returns the number of banned IPs
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.banned)
}
