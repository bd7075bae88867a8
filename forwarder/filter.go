package forwarder

import (
	"net"

	"github.com/miekg/dns"
	"github.com/semihalev/log"

	"github.com/sfionov/dnsguard/dnsutil"
	"github.com/sfionov/dnsguard/filter"
)

// applyFilter matches hostname against the filter, reduces the verdict
// together with the carried pre-filter rules, and builds a serialized
// blocking response when the verdict blocks. A nil return means pass.
// The carried slice is replaced with the new effective rules.
func (f *Forwarder) applyFilter(hostname string, req, original *dns.Msg, event *RequestProcessedEvent,
	carried *[]filter.Rule, fireEvent bool, outRcode *int) []byte {

	rules := f.matcher.Match(hostname)
	for _, rule := range rules {
		log.Debug("Matched rule", "host", hostname, "rule", rule.Text)
	}

	rules = append(rules, *carried...)
	effective := filter.EffectiveRules(rules)

	eventAppendRules(event, effective)

	*carried = effective

	if len(effective) == 0 || effective[0].Exception {
		return nil
	}

	log.Debug("DNS query blocked by rule", "host", hostname, "rule", effective[0].Text)

	resp := f.blockingResponse(req, effective)
	if outRcode != nil {
		*outRcode = resp.Rcode
	}

	raw, err := resp.Pack()
	if err != nil {
		log.Error("Blocking response pack failed", "error", err.Error())
		return nil
	}

	blockedTotal.Inc()

	if fireEvent {
		f.finalizeEvent(event, req, resp, original, nil, "")
	}

	return raw
}

// applyCNAMEFilter runs the post-filter for a CNAME answer record.
func (f *Forwarder) applyCNAMEFilter(rr *dns.CNAME, req, resp *dns.Msg, event *RequestProcessedEvent,
	carried *[]filter.Rule) []byte {

	target := dnsutil.TrimDot(rr.Target)
	log.Debug("Response CNAME", "target", target)

	return f.applyFilter(target, req, resp, event, carried, true, nil)
}

// applyIPFilter runs the post-filter for an A or AAAA answer record,
// using the textual address as the hostname input.
func (f *Forwarder) applyIPFilter(ip net.IP, req, resp *dns.Msg, event *RequestProcessedEvent,
	carried *[]filter.Rule) []byte {

	addr := ip.String()
	log.Debug("Response IP", "addr", addr)

	return f.applyFilter(addr, req, resp, event, carried, true, nil)
}

// blockingResponse builds the response for a blocking verdict according
// to the blocking mode, the question type and the rule shape.
func (f *Forwarder) blockingResponse(req *dns.Msg, effective []filter.Rule) *dns.Msg {
	rule := effective[0]
	mode := f.settings.BlockingMode
	ttl := f.settings.BlockedResponseTTL

	qtype := uint16(0)
	if len(req.Question) > 0 {
		qtype = req.Question[0].Qtype
	}

	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		switch mode {
		case BlockingModeRefused:
			return dnsutil.Refused(req)
		case BlockingModeNxdomain:
			return dnsutil.Nxdomain(req, ttl)
		case BlockingModeUnspecifiedAddress, BlockingModeCustomAddress:
			return dnsutil.SOAOnly(req, ttl, dnsutil.SOARetryDefault)
		default:
			if rule.IP == "" {
				return dnsutil.Refused(req)
			}
			return dnsutil.SOAOnly(req, ttl, dnsutil.SOARetryDefault)
		}
	}

	if rule.IP == "" {
		// adblock-style rule
		switch mode {
		case BlockingModeNxdomain:
			return dnsutil.Nxdomain(req, ttl)
		case BlockingModeUnspecifiedAddress, BlockingModeCustomAddress:
			return f.unspecOrCustom(req)
		default:
			return dnsutil.Refused(req)
		}
	}

	if rulesContainBlockingIP(effective) {
		switch mode {
		case BlockingModeRefused:
			return dnsutil.Refused(req)
		case BlockingModeNxdomain:
			return dnsutil.Nxdomain(req, ttl)
		default:
			return f.unspecOrCustom(req)
		}
	}

	// hosts-style rules answer with their addresses
	return f.responseWithIPs(req, effective)
}

// responseWithIPs answers an A or AAAA question from the rule addresses
// of the matching family, degrading to a SOA-only response when none fit.
func (f *Forwarder) responseWithIPs(req *dns.Msg, effective []filter.Rule) *dns.Msg {
	ttl := f.settings.BlockedResponseTTL
	qtype := req.Question[0].Qtype

	var ips []net.IP
	for _, rule := range effective {
		ip := net.ParseIP(rule.IP)
		if ip == nil {
			continue
		}

		if qtype == dns.TypeA && ip.To4() != nil {
			ips = append(ips, ip)
		} else if qtype == dns.TypeAAAA && ip.To4() == nil {
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return dnsutil.SOAOnly(req, ttl, dnsutil.SOARetryDefault)
	}

	if qtype == dns.TypeA {
		return dnsutil.ARecordResponse(req, ttl, ips)
	}
	return dnsutil.AAAARecordResponse(req, ttl, ips)
}

func (f *Forwarder) unspecOrCustom(req *dns.Msg) *dns.Msg {
	return dnsutil.UnspecOrCustom(req, f.settings.BlockedResponseTTL,
		f.settings.BlockingMode == BlockingModeCustomAddress,
		f.settings.CustomBlockingIPv4, f.settings.CustomBlockingIPv6)
}

func rulesContainBlockingIP(rules []filter.Rule) bool {
	for _, rule := range rules {
		if rule.IP != "" && dnsutil.IsBlockingIP(rule.IP) {
			return true
		}
	}
	return false
}
