// Package upstream provides the exchange contract with remote resolvers
// and the plain DNS (UDP/TCP) implementation of it.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/log"
)

// ErrTimeout is returned when an exchange does not complete within the
// upstream's timeout. The exchange policy never retries after it: the
// timeout already consumed the per-upstream budget.
var ErrTimeout = errors.New("TIMEOUT")

// DefaultTimeout is applied when options carry no timeout.
const DefaultTimeout = 10 * time.Second

const rttWindow = 10

// Options describe an upstream resolver. Immutable after creation.
type Options struct {
	// Address is the upstream address: [udp://|tcp://]host[:port],
	// port 53 assumed when absent.
	Address string
	// Timeout bounds a single exchange.
	Timeout time.Duration
	// Bootstrap are plain resolver addresses used to resolve a
	// non-literal hostname in Address.
	Bootstrap []string
	// ServerIP overrides resolution of the hostname in Address.
	ServerIP net.IP
	// Iface is the name of the outbound interface, when bound by the
	// embedding application.
	Iface string
	// ID is an opaque identifier reported back with every response.
	ID int32
}

// Upstream exchanges DNS messages with a single remote resolver and
// keeps a rolling estimate of its round trip time.
type Upstream interface {
	Exchange(req *dns.Msg) (*dns.Msg, error)
	Options() Options
	RTT() time.Duration
	AdjustRTT(sample time.Duration)
	Close() error
}

type plain struct {
	opts    Options
	addr    string
	network string

	client *dns.Client

	mu         sync.Mutex
	rttSamples []time.Duration
	rttSum     time.Duration
}

// New builds an upstream from options. Only plain DNS addresses are
// supported here; encrypted transports are separate implementations of
// the Upstream interface.
func New(opts Options) (Upstream, error) {
	network := "udp"
	addr := opts.Address

	switch {
	case strings.HasPrefix(addr, "udp://"):
		addr = strings.TrimPrefix(addr, "udp://")
	case strings.HasPrefix(addr, "tcp://"):
		network = "tcp"
		addr = strings.TrimPrefix(addr, "tcp://")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "53"
	}

	if opts.ServerIP != nil {
		host = opts.ServerIP.String()
	} else if net.ParseIP(host) == nil {
		ip, err := bootstrapLookup(host, opts)
		if err != nil {
			return nil, fmt.Errorf("resolve upstream %s: %w", opts.Address, err)
		}
		host = ip.String()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	u := &plain{
		opts:    opts,
		addr:    net.JoinHostPort(host, port),
		network: network,
		client: &dns.Client{
			Net:     network,
			Timeout: timeout,
		},
	}

	return u, nil
}

// bootstrapLookup resolves a hostname through the configured bootstrap
// resolvers, falling back to the system resolver when none are given.
func bootstrapLookup(host string, opts Options) (net.IP, error) {
	if len(opts.Bootstrap) == 0 {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		return ips[0], nil
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), dns.TypeA)
	req.RecursionDesired = true

	var lastErr error
	for _, server := range opts.Bootstrap {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}

		resp, err := dns.Exchange(req, server)
		if err != nil {
			lastErr = err
			continue
		}

		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A, nil
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no address records")
	}
	return nil, lastErr
}

func (u *plain) Options() Options { return u.opts }

// Exchange sends the request and waits for a response. A truncated
// answer over UDP is retried over TCP. Timeouts surface as ErrTimeout.
func (u *plain) Exchange(req *dns.Msg) (*dns.Msg, error) {
	resp, _, err := u.client.Exchange(req, u.addr)
	if err != nil {
		return nil, mapErr(err)
	}

	if resp.Truncated && u.network == "udp" {
		log.Debug("Truncated response, retrying over tcp", "addr", u.addr, "query", req.Question[0].Name)

		tcp := &dns.Client{Net: "tcp", Timeout: u.client.Timeout}
		resp, _, err = tcp.Exchange(req, u.addr)
		if err != nil {
			return nil, mapErr(err)
		}
	}

	return resp, nil
}

func mapErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	return err
}

// RTT returns the rolling round trip estimate. Zero until a sample is fed.
func (u *plain) RTT() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.rttSamples) == 0 {
		return 0
	}

	return u.rttSum / time.Duration(len(u.rttSamples))
}

// AdjustRTT feeds an exchange duration into the rolling estimate.
func (u *plain) AdjustRTT(sample time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rttSamples = append(u.rttSamples, sample)
	u.rttSum += sample

	if len(u.rttSamples) > rttWindow {
		u.rttSum -= u.rttSamples[0]
		u.rttSamples = u.rttSamples[1:]
	}
}

func (u *plain) Close() error { return nil }
