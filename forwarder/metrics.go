package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_queries_total",
		Help: "Total number of handled DNS queries",
	})

	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_cache_hits_total",
		Help: "Total number of responses served from the cache",
	})

	blockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_blocked_total",
		Help: "Total number of queries answered by a blocking response",
	})

	upstreamFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_upstream_failures_total",
		Help: "Total number of queries that failed against every upstream",
	})

	optimisticRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_optimistic_refreshes_total",
		Help: "Total number of background refreshes triggered by expired cache hits",
	})

	dns64Syntheses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_dns64_syntheses_total",
		Help: "Total number of AAAA responses synthesized via DNS64",
	})
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(blockedTotal)
	prometheus.MustRegister(upstreamFailures)
	prometheus.MustRegister(optimisticRefreshes)
	prometheus.MustRegister(dns64Syntheses)
}
