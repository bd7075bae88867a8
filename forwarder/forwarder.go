// Package forwarder implements the DNS forwarding engine: the per-query
// pipeline of parsing, cache lookup, filtering, upstream exchange,
// post-filtering, DNS64 synthesis and cache store.
package forwarder

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/log"

	"github.com/sfionov/dnsguard/cache"
	"github.com/sfionov/dnsguard/dns64"
	"github.com/sfionov/dnsguard/dnsutil"
	"github.com/sfionov/dnsguard/filter"
	"github.com/sfionov/dnsguard/upstream"
)

// Version is the library version reported by the forwarder.
const Version = "1.0.0"

// mozillaDoHHost is answered NXDOMAIN to disable Firefox's automatic
// DNS-over-HTTPS (the application DNS canary).
const mozillaDoHHost = "use-application-dns.net."

// BlockingMode selects how blocked queries are answered.
type BlockingMode int

const (
	// BlockingModeDefault answers adblock-style blocks with REFUSED and
	// hosts-style blocks from the rule addresses.
	BlockingModeDefault BlockingMode = iota
	// BlockingModeRefused answers REFUSED, except that hosts-style rules
	// with a non-blocking address answer A/AAAA from the rule addresses.
	BlockingModeRefused
	// BlockingModeNxdomain answers NXDOMAIN, except that hosts-style rules
	// with a non-blocking address answer A/AAAA from the rule addresses.
	BlockingModeNxdomain
	// BlockingModeUnspecifiedAddress answers A/AAAA blocks with the
	// unspecified address.
	BlockingModeUnspecifiedAddress
	// BlockingModeCustomAddress answers A/AAAA blocks with the
	// configured custom addresses.
	BlockingModeCustomAddress
)

// DNS64Settings configure background NAT64 prefix discovery.
type DNS64Settings struct {
	Upstreams []upstream.Options
	MaxTries  int
	WaitTime  time.Duration
}

// Settings configure a Forwarder. The settings are snapshotted by Init.
type Settings struct {
	// Upstreams are the primary resolvers, in configuration order.
	Upstreams []upstream.Options
	// Fallbacks are tried only after every primary failed.
	Fallbacks []upstream.Options

	BlockingMode       BlockingMode
	CustomBlockingIPv4 string
	CustomBlockingIPv6 string
	// BlockedResponseTTL is the TTL of records in blocking responses.
	BlockedResponseTTL uint32

	// BlockIPv6 answers AAAA queries with a SOA-only response; a filter
	// block whose response rcode is not NOERROR is returned instead.
	BlockIPv6 bool
	// IPv6Available is passed to upstream transports.
	IPv6Available bool

	// CacheSize is the response cache capacity; zero disables caching.
	CacheSize int
	// OptimisticCache serves expired entries while refreshing them in
	// the background.
	OptimisticCache bool

	// DNS64 enables AAAA synthesis for IPv4-only destinations.
	DNS64 *DNS64Settings

	// FilterLists are paths of rule list files.
	FilterLists []string
	// Matcher overrides the file-backed matcher when set.
	Matcher filter.Matcher
}

// Forwarder is the DNS forwarding engine. It owns its upstreams, filter,
// cache, DNS64 state and async refresh table.
type Forwarder struct {
	settings Settings
	events   Events

	upstreams []upstream.Upstream
	fallbacks []upstream.Upstream

	matcher  filter.Matcher
	cache    *cache.Cache
	prefixes dns64.Prefixes

	async     *asyncTable
	dns64Stop chan struct{}

	inited bool
}

// Init validates the settings, builds the upstreams and the filter and
// starts DNS64 discovery when configured. The returned warning is
// non-empty when the forwarder is functional but degraded; a non-nil
// error leaves the forwarder deinitialized.
func (f *Forwarder) Init(settings Settings, events Events) (warning string, err error) {
	log.Info("Initializing forwarder...")

	f.settings = settings
	f.events = events

	var warnings []string

	if settings.BlockingMode == BlockingModeCustomAddress {
		if settings.CustomBlockingIPv4 == "" {
			warnings = append(warnings, "custom blocking IPv4 not set: blocking responses to A queries will be empty")
			log.Warn("Custom blocking IPv4 not set")
		} else if ip := net.ParseIP(settings.CustomBlockingIPv4); ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("invalid custom blocking IPv4 address: %s", settings.CustomBlockingIPv4)
		}

		if settings.CustomBlockingIPv6 == "" {
			warnings = append(warnings, "custom blocking IPv6 not set: blocking responses to AAAA queries will be empty")
			log.Warn("Custom blocking IPv6 not set")
		} else if ip := net.ParseIP(settings.CustomBlockingIPv6); ip == nil || ip.To4() != nil {
			return "", fmt.Errorf("invalid custom blocking IPv6 address: %s", settings.CustomBlockingIPv6)
		}
	}

	log.Info("Initializing upstreams...")
	f.upstreams = buildUpstreams(settings.Upstreams)
	f.fallbacks = buildUpstreams(settings.Fallbacks)

	if len(f.upstreams) == 0 && len(f.fallbacks) == 0 {
		f.teardown()
		return "", errors.New("failed to initialize any upstream")
	}

	if settings.Matcher != nil {
		f.matcher = settings.Matcher
	} else {
		m := filter.NewListMatcher()
		m.LoadFiles(settings.FilterLists)
		f.matcher = m
	}

	f.cache = cache.New(settings.CacheSize)
	f.async = newAsyncTable()

	if settings.DNS64 != nil {
		log.Info("DNS64 discovery is enabled")
		f.dns64Stop = make(chan struct{})
		go dns64.DiscoverLoop(&f.prefixes, settings.DNS64.Upstreams,
			settings.DNS64.MaxTries, settings.DNS64.WaitTime, f.dns64Stop)
	}

	f.inited = true
	log.Info("Forwarder initialized")

	return strings.Join(warnings, "\n"), nil
}

// Deinit cancels pending refresh tasks, waits for started ones, stops
// DNS64 discovery and releases the upstreams and the cache. Idempotent.
func (f *Forwarder) Deinit() {
	if !f.inited {
		return
	}
	f.inited = false

	log.Info("Deinitializing forwarder...")

	f.async.shutdown()

	if f.dns64Stop != nil {
		close(f.dns64Stop)
		f.dns64Stop = nil
	}

	f.teardown()
	f.cache.Clear()

	log.Info("Forwarder deinitialized")
}

func (f *Forwarder) teardown() {
	for _, u := range f.upstreams {
		_ = u.Close()
	}
	for _, u := range f.fallbacks {
		_ = u.Close()
	}
	f.upstreams, f.fallbacks = nil, nil
}

func buildUpstreams(options []upstream.Options) []upstream.Upstream {
	var ups []upstream.Upstream

	for _, opts := range options {
		u, err := upstream.New(opts)
		if err != nil {
			log.Error("Upstream create failed", "addr", opts.Address, "error", err.Error())
			continue
		}

		log.Info("Upstream created", "addr", opts.Address, "id", opts.ID)
		ups = append(ups, u)
	}

	return ups
}

// HandleMessage runs the full pipeline for one wire-format query and
// returns the wire-format response. A zero-length return means the
// message could not be parsed and should be dropped silently.
func (f *Forwarder) HandleMessage(message []byte) []byte {
	queriesTotal.Inc()

	event := RequestProcessedEvent{StartTime: time.Now()}

	req := new(dns.Msg)
	if err := req.Unpack(message); err != nil {
		log.Debug("Request parse failed", "error", err.Error())
		f.finalizeEvent(&event, nil, nil, nil, nil, "failed to parse payload: "+err.Error())
		return nil
	}

	if len(req.Question) == 0 {
		resp := dnsutil.Servfail(req)
		raw, _ := resp.Pack()
		f.finalizeEvent(&event, nil, resp, nil, nil, "message has no question section")
		return raw
	}

	q := req.Question[0]
	event.Domain = q.Name

	key := cache.Key(req)

	if !dnsutil.HasUnsupportedExtensions(req) {
		if raw := f.respondFromCache(key, req, &event); raw != nil {
			return raw
		}
	}

	// disable Mozilla DoH
	if (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) && strings.EqualFold(q.Name, mozillaDoHHost) {
		resp := dnsutil.Nxdomain(req, f.settings.BlockedResponseTTL)
		raw, _ := resp.Pack()
		f.finalizeEvent(&event, req, resp, nil, nil, "")
		return raw
	}

	pureDomain := dnsutil.TrimDot(q.Name)

	var carried []filter.Rule

	if f.settings.BlockIPv6 && q.Qtype == dns.TypeAAAA {
		rcode := dns.RcodeSuccess
		raw := f.applyFilter(pureDomain, req, nil, &event, &carried, false, &rcode)
		if raw != nil && rcode != dns.RcodeSuccess {
			blockedResp := new(dns.Msg)
			if err := blockedResp.Unpack(raw); err == nil {
				f.finalizeEvent(&event, req, blockedResp, nil, nil, "")
			}
			return raw
		}

		log.Debug("AAAA query blocked because IPv6 blocking is enabled", "domain", pureDomain)
		resp := dnsutil.SOAOnly(req, f.settings.BlockedResponseTTL, dnsutil.SOARetryIPv6Block)
		blocked, _ := resp.Pack()
		f.finalizeEvent(&event, req, resp, nil, nil, "")
		return blocked
	}

	if raw := f.applyFilter(pureDomain, req, nil, &event, &carried, true, nil); raw != nil {
		return raw
	}

	resp, selected, err := f.exchange(req)
	if err != nil {
		upstreamFailures.Inc()

		servfail := dnsutil.Servfail(req)
		raw, _ := servfail.Pack()

		var upstreamID *int32
		if selected != nil {
			id := selected.Options().ID
			upstreamID = &id
		}

		f.finalizeEvent(&event, req, servfail, nil, upstreamID, err.Error())
		return raw
	}

	if resp.Rcode == dns.RcodeSuccess {
		for _, rr := range resp.Answer {
			switch answer := rr.(type) {
			case *dns.CNAME:
				if raw := f.applyCNAMEFilter(answer, req, resp, &event, &carried); raw != nil {
					return raw
				}
			case *dns.A:
				if raw := f.applyIPFilter(answer.A, req, resp, &event, &carried); raw != nil {
					return raw
				}
			case *dns.AAAA:
				if raw := f.applyIPFilter(answer.AAAA, req, resp, &event, &carried); raw != nil {
					return raw
				}
			}
		}

		if f.settings.DNS64 != nil && q.Qtype == dns.TypeAAAA && !hasAAAA(resp) {
			if synth := f.tryDNS64Synthesis(selected, req); synth != nil {
				resp = synth
				dns64Syntheses.Inc()
			}
		}
	}

	if opt := resp.IsEdns0(); opt != nil {
		opt.SetUDPSize(dnsutil.DefaultMsgSize)
	}

	raw, packErr := resp.Pack()
	if packErr != nil {
		log.Error("Response pack failed", "error", packErr.Error())
		servfail := dnsutil.Servfail(req)
		raw, _ = servfail.Pack()
		f.finalizeEvent(&event, req, servfail, nil, nil, packErr.Error())
		return raw
	}

	event.BytesSent = len(message)
	event.BytesReceived = len(raw)

	id := selected.Options().ID
	f.finalizeEvent(&event, req, resp, nil, &id, "")

	f.cache.Store(key, resp, id)

	return raw
}

// respondFromCache serves a cached response when one exists. An expired
// hit under the optimistic policy is still served (with one-second TTLs)
// while a deduplicated background refresh is scheduled; without the
// policy an expired hit falls through as a miss.
func (f *Forwarder) respondFromCache(key string, req *dns.Msg, event *RequestProcessedEvent) []byte {
	resp, upstreamID, expired, found := f.cache.Lookup(key, req)
	if !found {
		return nil
	}

	if expired {
		if !f.settings.OptimisticCache {
			return nil
		}

		if f.async.insert(key) {
			optimisticRefreshes.Inc()
			go f.refresh(key, req.Copy())
		}
	}

	cacheHits.Inc()

	raw, err := resp.Pack()
	if err != nil {
		log.Error("Cached response pack failed", "error", err.Error())
		return nil
	}

	event.CacheHit = true
	f.finalizeEvent(event, req, resp, nil, &upstreamID, "")

	return raw
}

// tryDNS64Synthesis re-asks the selected upstream for A records and
// synthesizes AAAA answers from the known NAT64 prefixes. Returns nil
// when synthesis is not possible.
func (f *Forwarder) tryDNS64Synthesis(u upstream.Upstream, req *dns.Msg) *dns.Msg {
	prefixes := f.prefixes.Get()
	if len(prefixes) == 0 {
		return nil
	}

	q := req.Question[0]

	reqA := new(dns.Msg)
	reqA.SetQuestion(q.Name, dns.TypeA)
	reqA.Id = dns.Id()
	reqA.RecursionDesired = req.RecursionDesired
	reqA.CheckingDisabled = req.CheckingDisabled

	respA, err := u.Exchange(reqA)
	if err != nil {
		log.Debug("DNS64: A query failed", "domain", q.Name, "error", err.Error())
		return nil
	}

	if len(respA.Answer) == 0 {
		log.Debug("DNS64: upstream returned no A records", "domain", q.Name)
		return nil
	}

	var answers []dns.RR
	count := 0

	for _, rr := range respA.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			answers = append(answers, rr)
			continue
		}

		for _, prefix := range prefixes {
			ip6, err := dns64.Synthesize(prefix, a.A)
			if err != nil {
				log.Debug("DNS64: synthesis failed", "error", err.Error())
				continue
			}

			answers = append(answers, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   a.Hdr.Name,
					Rrtype: dns.TypeAAAA,
					Class:  a.Hdr.Class,
					Ttl:    a.Hdr.Ttl,
				},
				AAAA: ip6,
			})
			count++
		}
	}

	log.Debug("DNS64: synthesized AAAA records", "domain", q.Name, "count", count)
	if count == 0 {
		return nil
	}

	synth := new(dns.Msg)
	synth.Id = req.Id
	synth.Response = true
	synth.RecursionDesired = req.RecursionDesired
	synth.RecursionAvailable = respA.RecursionAvailable
	synth.CheckingDisabled = respA.CheckingDisabled

	synth.Question = make([]dns.Question, len(req.Question))
	copy(synth.Question, req.Question)

	synth.Answer = answers

	return synth
}

func hasAAAA(msg *dns.Msg) bool {
	for _, rr := range msg.Answer {
		if rr.Header().Rrtype == dns.TypeAAAA {
			return true
		}
	}
	return false
}

// VersionString returns the library version.
func VersionString() string { return Version }
