package cache

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Key returns the cache fingerprint of a request:
//
//	<qtype>|<qclass>|<do><cd>|<lowercased qname with trailing dot>
//
// The fingerprint is byte-stable across equivalent queries regardless of
// transaction id or advertised EDNS buffer size.
func Key(req *dns.Msg) string {
	q := req.Question[0]

	do := "0"
	if opt := req.IsEdns0(); opt != nil && opt.Do() {
		do = "1"
	}

	cd := "0"
	if req.CheckingDisabled {
		cd = "1"
	}

	var b strings.Builder
	b.Grow(len(q.Name) + 16)
	b.WriteString(strconv.Itoa(int(q.Qtype)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(q.Qclass)))
	b.WriteByte('|')
	b.WriteString(do)
	b.WriteString(cd)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(q.Name))

	return b.String()
}
