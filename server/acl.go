package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/yl2chen/cidranger"
	"golang.org/x/time/rate"
)

// accessControl answers whether a client address may query. An empty
// access list allows everyone.
type accessControl struct {
	ranger cidranger.Ranger
}

func newAccessControl(cidrs []string) (*accessControl, error) {
	if len(cidrs) == 0 {
		return &accessControl{}, nil
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("access list parse cidr %q: %w", cidr, err)
		}

		_ = ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return &accessControl{ranger: ranger}, nil
}

func (a *accessControl) allowed(ip net.IP) bool {
	if a.ranger == nil {
		return true
	}

	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

// maxLimiterEntries caps the per-client limiter table; the table is
// dropped wholesale when it fills.
const maxLimiterEntries = 65536

// rateLimiter enforces a per-client queries-per-second cap.
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perSecond int) *rateLimiter {
	if perSecond <= 0 {
		return nil
	}

	return &rateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    perSecond,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *rateLimiter) allow(ip net.IP) bool {
	if r == nil {
		return true
	}

	key := ip.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxLimiterEntries {
			r.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}

	return l.Allow()
}
