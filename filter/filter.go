// Package filter provides the rule matching contract used by the
// forwarder and a file-backed matcher for hosts-style and adblock-style
// rule lists.
package filter

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/semihalev/log"
)

// Rule is a single filtering rule. An empty IP means an adblock-style
// rule (block by name); a non-empty IP means a hosts-style rule that
// answers the query with that address.
type Rule struct {
	Text      string
	FilterID  int32
	IP        string
	Exception bool
}

// Matcher returns the candidate rules for a hostname. Hostnames are
// matched lowercased and without a trailing dot; IP literals from
// response records are looked up the same way.
type Matcher interface {
	Match(hostname string) []Rule
}

// EffectiveRules reduces candidate rules to the authoritative subset:
// a single exception rule when one matches, otherwise all action rules
// in match order. Index 0 is the primary verdict.
func EffectiveRules(rules []Rule) []Rule {
	for _, r := range rules {
		if r.Exception {
			return []Rule{r}
		}
	}

	out := make([]Rule, 0, len(rules))
	out = append(out, rules...)
	return out
}

// ListMatcher matches hostnames against rule lists loaded from files.
// Exact entries (hosts-style targets, plain domains, IP literals) and
// domain-suffix entries (||domain^ patterns) are kept in separate
// indexes.
type ListMatcher struct {
	mu sync.RWMutex

	exact  map[string][]Rule
	suffix map[string][]Rule
}

// NewListMatcher returns an empty matcher.
func NewListMatcher() *ListMatcher {
	return &ListMatcher{
		exact:  make(map[string][]Rule),
		suffix: make(map[string][]Rule),
	}
}

// LoadFiles reads rule lists from the given paths. Each path is
// assigned the next filter list id, starting from zero. Unreadable
// files are logged and skipped.
func (m *ListMatcher) LoadFiles(paths []string) {
	for i, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			log.Error("Filter list open failed", "path", path, "error", err.Error())
			continue
		}

		count := m.AddList(int32(i), file)
		_ = file.Close()

		log.Info("Filter list loaded", "path", path, "rules", count)
	}
}

// AddList parses rules from r under the given filter list id and
// returns the number of rules added.
func (m *ListMatcher) AddList(id int32, r io.Reader) int {
	count := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		if m.AddRule(line, id) {
			count++
		}
	}

	return count
}

// AddRule parses and indexes a single rule. Returns whether the rule
// was understood.
func (m *ListMatcher) AddRule(text string, id int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule := Rule{Text: text, FilterID: id}

	body := text
	if strings.HasPrefix(body, "@@") {
		rule.Exception = true
		body = body[2:]
	}

	// ||domain^ adblock pattern: the domain and its subdomains
	if strings.HasPrefix(body, "||") {
		domain := strings.TrimSuffix(body[2:], "^")
		domain = normalize(domain)
		if domain == "" {
			return false
		}

		m.suffix[domain] = append(m.suffix[domain], rule)
		return true
	}

	fields := strings.Fields(body)

	// hosts-style: <ip> <host> [host...]
	if len(fields) >= 2 && net.ParseIP(fields[0]) != nil {
		rule.IP = fields[0]
		for _, host := range fields[1:] {
			host = normalize(host)
			if host == "" {
				continue
			}
			m.exact[host] = append(m.exact[host], rule)
		}
		return true
	}

	if len(fields) != 1 {
		return false
	}

	// plain domain or IP literal
	m.exact[normalize(fields[0])] = append(m.exact[normalize(fields[0])], rule)
	return true
}

// Match implements Matcher.
func (m *ListMatcher) Match(hostname string) []Rule {
	host := normalize(hostname)
	if host == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var rules []Rule
	rules = append(rules, m.exact[host]...)

	// walk label suffixes for ||domain^ patterns
	for rest := host; rest != ""; {
		rules = append(rules, m.suffix[rest]...)

		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			break
		}
		rest = rest[dot+1:]
	}

	return rules
}

// Len returns the number of indexed entries.
func (m *ListMatcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.exact) + len(m.suffix)
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
