package forwarder

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/log"

	"github.com/sfionov/dnsguard/upstream"
)

// exchange queries the upstreams: primaries before fallbacks, each group
// in ascending round-trip order. A failed exchange is retried once
// against the same upstream unless it timed out; a timeout already spent
// the per-upstream budget. On total failure the last tried upstream is
// returned together with the aggregated error.
func (f *Forwarder) exchange(req *dns.Msg) (*dns.Msg, upstream.Upstream, error) {
	var last upstream.Upstream
	var errStr string

	appendErr := func(msg string) {
		if errStr != "" {
			errStr += "; "
		}
		errStr += msg
	}

	for _, group := range [][]upstream.Upstream{f.upstreams, f.fallbacks} {
		sorted := make([]upstream.Upstream, len(group))
		copy(sorted, group)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].RTT() < sorted[j].RTT()
		})

		for _, u := range sorted {
			last = u

			start := time.Now()
			resp, err := u.Exchange(req)
			u.AdjustRTT(time.Since(start))

			if err == nil {
				return resp, u, nil
			}

			if err.Error() == upstream.ErrTimeout.Error() {
				log.Debug("Upstream exchange failed", "addr", u.Options().Address, "error", err.Error())
				appendErr(fmt.Sprintf("upstream (%s) exchange failed: %s", u.Options().Address, err.Error()))
				continue
			}

			resp, retryErr := u.Exchange(req)
			if retryErr == nil {
				return resp, u, nil
			}

			msg := fmt.Sprintf("upstream (%s) exchange failed: first reason is %s, second is: %s",
				u.Options().Address, err.Error(), retryErr.Error())
			appendErr(msg)
			log.Debug("Upstream exchange failed twice", "addr", u.Options().Address, "error", msg)
		}
	}

	if errStr == "" {
		errStr = upstream.ErrTimeout.Error()
	}

	return nil, last, errors.New(errStr)
}
