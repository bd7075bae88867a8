// Package dns64 implements NAT64 prefix discovery (RFC 7050) and
// IPv4-embedded IPv6 address synthesis (RFC 6052).
package dns64

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/log"

	"github.com/sfionov/dnsguard/upstream"
)

// WellKnownName is the name whose AAAA records reveal NAT64 prefixes.
const WellKnownName = "ipv4only.arpa."

var (
	wka1 = net.IPv4(192, 0, 0, 170).To4()
	wka2 = net.IPv4(192, 0, 0, 171).To4()

	// RFC 6052 prefix lengths, in bits.
	prefixLengths = []int{96, 64, 56, 48, 40, 32}

	// ErrNoPrefixes is returned when discovery yields nothing.
	ErrNoPrefixes = errors.New("no dns64 prefixes discovered")
)

// Prefixes is the mutex guarded set of discovered NAT64 prefixes, each
// 4 to 12 bytes of prefix material. It may stay empty forever.
type Prefixes struct {
	mu   sync.Mutex
	list [][]byte
}

// Get returns a copy of the current prefix list.
func (p *Prefixes) Get() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.list))
	copy(out, p.list)
	return out
}

// Set overwrites the prefix list.
func (p *Prefixes) Set(list [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.list = list
}

// Empty reports whether no prefixes are known.
func (p *Prefixes) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.list) == 0
}

// Discover queries the upstream for the well-known name and derives the
// NAT64 prefixes from AAAA answers embedding the RFC 7050 well-known
// IPv4 addresses.
func Discover(u upstream.Upstream) ([][]byte, error) {
	req := new(dns.Msg)
	req.SetQuestion(WellKnownName, dns.TypeAAAA)
	req.RecursionDesired = true

	resp, err := u.Exchange(req)
	if err != nil {
		return nil, err
	}

	var prefixes [][]byte
	for _, rr := range resp.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}

		ip6 := aaaa.AAAA.To16()
		if ip6 == nil {
			continue
		}

		prefix, ok := extractPrefix(ip6)
		if !ok {
			continue
		}

		dup := false
		for _, known := range prefixes {
			if bytes.Equal(known, prefix) {
				dup = true
				break
			}
		}
		if !dup {
			prefixes = append(prefixes, prefix)
		}
	}

	if len(prefixes) == 0 {
		return nil, ErrNoPrefixes
	}

	return prefixes, nil
}

// extractPrefix finds the well-known IPv4 address inside ip6 at one of
// the RFC 6052 positions and returns the leading prefix material.
func extractPrefix(ip6 net.IP) ([]byte, bool) {
	for _, bits := range prefixLengths {
		v4 := embeddedV4(ip6, bits)
		if bytes.Equal(v4, wka1) || bytes.Equal(v4, wka2) {
			prefix := make([]byte, bits/8)
			copy(prefix, ip6[:bits/8])
			return prefix, true
		}
	}
	return nil, false
}

// embeddedV4 extracts the IPv4 address embedded at the given prefix
// length. Byte 8 (bits 64-71) is reserved and skipped.
func embeddedV4(ip6 net.IP, bits int) []byte {
	v4 := make([]byte, 4)

	switch bits {
	case 32:
		copy(v4, ip6[4:8])
	case 40:
		copy(v4[0:3], ip6[5:8])
		v4[3] = ip6[9]
	case 48:
		copy(v4[0:2], ip6[6:8])
		copy(v4[2:4], ip6[9:11])
	case 56:
		v4[0] = ip6[7]
		copy(v4[1:4], ip6[9:12])
	case 64:
		copy(v4, ip6[9:13])
	case 96:
		copy(v4, ip6[12:16])
	}

	return v4
}

// Synthesize embeds an IPv4 address into the given NAT64 prefix per
// RFC 6052 and returns the resulting IPv6 address.
func Synthesize(prefix []byte, ip4 net.IP) (net.IP, error) {
	v4 := ip4.To4()
	if v4 == nil {
		return nil, errors.New("not an ipv4 address")
	}

	bits := len(prefix) * 8
	switch bits {
	case 32, 40, 48, 56, 64, 96:
	default:
		return nil, errors.New("invalid prefix length")
	}

	ip6 := make(net.IP, net.IPv6len)
	copy(ip6, prefix)

	switch bits {
	case 32:
		copy(ip6[4:8], v4)
	case 40:
		copy(ip6[5:8], v4[0:3])
		ip6[9] = v4[3]
	case 48:
		copy(ip6[6:8], v4[0:2])
		copy(ip6[9:11], v4[2:4])
	case 56:
		ip6[7] = v4[0]
		copy(ip6[9:12], v4[1:4])
	case 64:
		copy(ip6[9:13], v4)
	case 96:
		copy(ip6[12:16], v4)
	}

	// Bits 64-71 must be zero.
	ip6[8] = 0

	return ip6, nil
}

// DiscoverLoop is the one-shot background discovery task: for up to
// maxTries rounds it sleeps waitTime, then walks the DNS64 upstream
// options; the first non-empty result is stored and the loop exits.
// Per-attempt failures are logged and do not abort the loop.
func DiscoverLoop(prefixes *Prefixes, options []upstream.Options, maxTries int, waitTime time.Duration, stop <-chan struct{}) {
	for i := 0; i < maxTries; i++ {
		select {
		case <-stop:
			return
		case <-time.After(waitTime):
		}

		for _, opts := range options {
			u, err := upstream.New(opts)
			if err != nil {
				log.Debug("DNS64 upstream create failed", "addr", opts.Address, "error", err.Error())
				continue
			}

			list, err := Discover(u)
			_ = u.Close()
			if err != nil {
				log.Debug("DNS64 prefix discovery failed", "addr", opts.Address, "error", err.Error())
				continue
			}

			prefixes.Set(list)
			log.Info("DNS64 prefixes discovered", "count", len(list))
			return
		}
	}

	log.Debug("DNS64 discovery gave up", "tries", maxTries)
}
