package forwarder

import (
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sfionov/dnsguard/filter"
)

// RequestProcessedEvent describes one handled query. It is emitted
// exactly once, after the response is determined.
type RequestProcessedEvent struct {
	// Domain is the question name as sent by the client.
	Domain string
	// Type is the question type as text, e.g. "AAAA".
	Type string
	// Status is the response code as text, e.g. "NOERROR".
	Status string
	// Answer holds the response answer records, one "<TYPE>, <rdata>"
	// line per record.
	Answer string
	// OriginalAnswer holds the upstream answer that a post-filter
	// verdict replaced, in the same format.
	OriginalAnswer string
	// Rules are the texts of the effective rules, primary verdict first.
	Rules []string
	// FilterListIDs are the list ids of the effective rules, parallel
	// to Rules.
	FilterListIDs []int32
	// Whitelist is set when the primary verdict is an exception rule.
	Whitelist bool
	// UpstreamID identifies the upstream that served the response, when
	// one did.
	UpstreamID *int32
	// Error holds the failure description, when the query failed.
	Error string
	// CacheHit is set when the response was served from the cache.
	CacheHit bool

	BytesSent     int
	BytesReceived int
	StartTime     time.Time
	Elapsed       time.Duration
}

// Events carries the callbacks invoked by the forwarder.
type Events struct {
	OnRequestProcessed func(RequestProcessedEvent)
}

// finalizeEvent fills the response-derived event fields and invokes the
// processed callback.
func (f *Forwarder) finalizeEvent(event *RequestProcessedEvent, req, resp, original *dns.Msg, upstreamID *int32, errStr string) {
	if req != nil && len(req.Question) > 0 {
		event.Type = dns.TypeToString[req.Question[0].Qtype]
	}

	if resp != nil {
		event.Status = dns.RcodeToString[resp.Rcode]
		event.Answer = rrListToString(resp.Answer)
	}

	if original != nil {
		event.OriginalAnswer = rrListToString(original.Answer)
	}

	event.UpstreamID = upstreamID
	event.Error = errStr
	event.Elapsed = time.Since(event.StartTime)

	if f.events.OnRequestProcessed != nil {
		f.events.OnRequestProcessed(*event)
	}
}

// eventAppendRules prepends the effective rules to the event, skipping
// texts already recorded and preserving their order. The whitelist flag
// follows the primary verdict.
func eventAppendRules(event *RequestProcessedEvent, effective []filter.Rule) {
	if len(effective) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(event.Rules)+len(effective))
	for _, text := range event.Rules {
		seen[text] = struct{}{}
	}

	var rules []string
	var ids []int32
	for _, rule := range effective {
		if _, ok := seen[rule.Text]; ok {
			continue
		}
		seen[rule.Text] = struct{}{}
		rules = append(rules, rule.Text)
		ids = append(ids, rule.FilterID)
	}

	event.Rules = append(rules, event.Rules...)
	event.FilterListIDs = append(ids, event.FilterListIDs...)
	event.Whitelist = effective[0].Exception
}

// rrListToString formats records as "<TYPE>, <rdata>" lines, matching
// the processed-event answer format.
func rrListToString(rrs []dns.RR) string {
	var b strings.Builder

	for _, rr := range rrs {
		parts := strings.Split(rr.String(), "\t")
		if len(parts) < 4 {
			continue
		}

		b.WriteString(parts[3])
		b.WriteString(",")
		for _, part := range parts[4:] {
			b.WriteString(" ")
			b.WriteString(part)
		}
		b.WriteString("\n")
	}

	return b.String()
}
