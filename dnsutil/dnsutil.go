// Package dnsutil provides DNS message construction helpers for dnsguard.
package dnsutil

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultMsgSize is the EDNS UDP payload size advertised on responses.
	DefaultMsgSize = 4096

	// SOARetryDefault is the SOA retry value for negative blocking responses.
	SOARetryDefault = 900
	// SOARetryIPv6Block is the SOA retry value for responses produced by IPv6 blocking.
	SOARetryIPv6Block = 60

	soaMname   = "fake-for-negative-caching.adguard.com."
	soaRefresh = 1800
	soaExpire  = 604800
	soaMinimum = 86400
)

// blockingIPs are sentinel addresses in hosts-style rules that mean
// "block" rather than "answer with this address".
var blockingIPs = map[string]struct{}{
	"0.0.0.0":   {},
	"127.0.0.1": {},
	"::":        {},
	"::1":       {},
	"[::]":      {},
	"[::1]":     {},
}

// IsBlockingIP reports whether the given rule IP literal is a blocking sentinel.
func IsBlockingIP(ip string) bool {
	_, ok := blockingIPs[ip]
	return ok
}

// ResponseFromRequest returns an empty response for the request. The
// response copies the request id, clones the question section and has
// the QR, RD and RA flags set.
func ResponseFromRequest(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.Id = req.Id
	m.Response = true
	m.RecursionDesired = true
	m.RecursionAvailable = true
	m.Opcode = req.Opcode

	if len(req.Question) > 0 {
		m.Question = make([]dns.Question, len(req.Question))
		copy(m.Question, req.Question)
	}

	return m
}

// Servfail returns a SERVFAIL response for the request.
func Servfail(req *dns.Msg) *dns.Msg {
	m := ResponseFromRequest(req)
	m.Rcode = dns.RcodeServerFailure
	return m
}

// Refused returns a REFUSED response for the request.
func Refused(req *dns.Msg) *dns.Msg {
	m := ResponseFromRequest(req)
	m.Rcode = dns.RcodeRefused
	return m
}

// Nxdomain returns an NXDOMAIN response carrying a synthetic SOA in the
// authority section.
func Nxdomain(req *dns.Msg, ttl uint32) *dns.Msg {
	m := ResponseFromRequest(req)
	m.Rcode = dns.RcodeNameError
	m.Ns = append(m.Ns, soa(req, ttl, SOARetryDefault))
	return m
}

// SOAOnly returns a NOERROR response whose only record is a synthetic SOA
// in the authority section.
func SOAOnly(req *dns.Msg, ttl, retrySecs uint32) *dns.Msg {
	m := ResponseFromRequest(req)
	m.Ns = append(m.Ns, soa(req, ttl, retrySecs))
	return m
}

// ARecordResponse returns a NOERROR response answering the question with
// the given IPv4 addresses.
func ARecordResponse(req *dns.Msg, ttl uint32, ips []net.IP) *dns.Msg {
	m := ResponseFromRequest(req)
	q := req.Question[0]

	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: q.Qclass, Ttl: ttl},
			A:   ip.To4(),
		})
	}

	return m
}

// AAAARecordResponse returns a NOERROR response answering the question
// with the given IPv6 addresses.
func AAAARecordResponse(req *dns.Msg, ttl uint32, ips []net.IP) *dns.Msg {
	m := ResponseFromRequest(req)
	q := req.Question[0]

	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: q.Qclass, Ttl: ttl},
			AAAA: ip.To16(),
		})
	}

	return m
}

// UnspecOrCustom returns the blocking response for an A or AAAA question:
// the unspecified address of the question's family, or the custom blocking
// address when customV4/customV6 for that family is set. An empty custom
// address for the family degrades to a SOA-only response.
func UnspecOrCustom(req *dns.Msg, ttl uint32, custom bool, customV4, customV6 string) *dns.Msg {
	q := req.Question[0]

	if custom {
		if q.Qtype == dns.TypeA && customV4 == "" {
			return SOAOnly(req, ttl, SOARetryDefault)
		}
		if q.Qtype == dns.TypeAAAA && customV6 == "" {
			return SOAOnly(req, ttl, SOARetryDefault)
		}
	}

	if q.Qtype == dns.TypeA {
		ip := net.IPv4zero
		if custom {
			ip = net.ParseIP(customV4)
		}
		return ARecordResponse(req, ttl, []net.IP{ip})
	}

	ip := net.IPv6zero
	if custom {
		ip = net.ParseIP(customV6)
	}
	return AAAARecordResponse(req, ttl, []net.IP{ip})
}

func soa(req *dns.Msg, ttl, retrySecs uint32) *dns.SOA {
	name := "."
	if len(req.Question) > 0 {
		name = req.Question[0].Name
	}

	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: ttl},
		Ns:      soaMname,
		Mbox:    Mbox(req),
		Serial:  uint32(time.Now().Unix() + 100500),
		Refresh: soaRefresh,
		Retry:   retrySecs,
		Expire:  soaExpire,
		Minttl:  soaMinimum,
	}
}

// Mbox returns the SOA RNAME for the request's question: hostmaster
// under the query name, or the bare hostmaster label for the root.
func Mbox(req *dns.Msg) string {
	if len(req.Question) == 0 {
		return "hostmaster."
	}

	zone := req.Question[0].Name
	if zone == "" || zone == "." {
		return "hostmaster."
	}

	return "hostmaster." + zone
}

// HasUnsupportedExtensions reports whether the message carries EDNS
// features the cache cannot reason about: option data, an extended
// rcode, or unassigned header flags.
func HasUnsupportedExtensions(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	if opt == nil {
		return false
	}

	if len(opt.Option) > 0 {
		return true
	}

	if opt.ExtendedRcode() > 0 {
		return true
	}

	// OPT TTL layout: extended rcode, version, DO bit, 15 unassigned Z bits.
	if opt.Hdr.Ttl&0x7fff != 0 {
		return true
	}

	return false
}

// MinRRTTL returns the minimum TTL across the answer, authority and
// additional sections, skipping OPT records. Zero when there are no such
// records or one of them has a zero TTL.
func MinRRTTL(msg *dns.Msg) uint32 {
	min := ^uint32(0)

	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
			}
		}
	}

	scan(msg.Answer)
	scan(msg.Ns)
	scan(msg.Extra)

	if min == ^uint32(0) {
		return 0
	}

	return min
}

// TrimDot returns the name without its trailing root dot.
func TrimDot(name string) string {
	if name != "." {
		return strings.TrimSuffix(name, ".")
	}
	return name
}

// FormatQuestion returns a human readable representation of a question
// suitable for logging.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}
