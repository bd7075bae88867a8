// Package config manages the dnsguard configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/log"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version string

	// Listeners
	Bind            string
	BindTCP         string
	TCPPersistent   bool
	TCPIdleTimeout  Duration
	AccessList      []string
	ClientRateLimit int

	// Upstreams
	Upstreams       []string
	FallbackServers []string
	Timeout         Duration

	// Blocking
	BlockingMode       string
	CustomBlockingIPv4 string
	CustomBlockingIPv6 string
	BlockedResponseTTL uint32
	BlockIPv6          bool
	IPv6Available      bool

	// Cache
	CacheSize       int
	OptimisticCache bool

	// DNS64
	DNS64Upstreams []string `toml:"dns64_upstreams"`
	DNS64MaxTries  int      `toml:"dns64_max_tries"`
	DNS64WaitTime  Duration `toml:"dns64_wait_time"`

	// Filtering
	FilterLists []string

	LogLevel string
	Metrics  string

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS-over-UDP listener
bind = ":53"

# Address to bind to for the DNS-over-TCP listener, left blank for disabled
bindtcp = ":53"

# Keep TCP connections open for pipelined queries
tcppersistent = true

# Idle timeout for persistent TCP connections
tcpidletimeout = "30s"

# Which clients allowed to make queries, empty allows everyone
accesslist = [
]

# Client ip address based ratelimit per second, 0 for disabled
clientratelimit = 0

# Upstream resolvers, tried in ascending round-trip order
upstreams = [
"8.8.8.8:53",
"8.8.4.4:53"
]

# Failover resolvers, tried only after every upstream failed
fallbackservers = [
]

# Network timeout for each upstream exchange
timeout = "10s"

# How blocked queries are answered: default, refused, nxdomain, unspecified_address, custom_address
blockingmode = "default"

# Addresses answered in custom_address mode
customblockingipv4 = ""
customblockingipv6 = ""

# TTL of records in blocking responses, in seconds
blockedresponsettl = 3600

# Reject all AAAA queries
blockipv6 = false

# Whether upstream transports may use IPv6
ipv6available = true

# Response cache capacity in entries, 0 disables caching
cachesize = 1000

# Serve expired cache entries while refreshing them in the background
optimisticcache = false

# DNS64 prefix discovery resolvers, empty disables synthesis
dns64_upstreams = [
]

# DNS64 discovery attempts and delay between them
dns64_max_tries = 5
dns64_wait_time = "2s"

# Paths of filter rule list files (hosts-style and adblock-style rules)
filterlists = [
]

# What kind of information should be logged, Log verbosity level [crit,error,warn,info,debug]
loglevel = "info"

# Address to bind to for the prometheus metrics endpoint, left blank for disabled
metrics = ""
`

// Load loads the given config file, generating a default one when the
// file does not exist.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	log.Info("Loading config file...", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		log.Warn("Config file is out of date, you can generate a new one by removing it")
	}

	if config.TCPIdleTimeout.Duration == 0 {
		config.TCPIdleTimeout.Duration = 30 * time.Second
	}

	if config.Timeout.Duration == 0 {
		config.Timeout.Duration = 10 * time.Second
	}

	config.sVersion = version

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		if err := output.Close(); err != nil {
			log.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := fmt.Sprintf(defaultConfig, configver)
	if _, err := output.WriteString(r); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}

	log.Info("Default config file generated", "path", path)

	return nil
}
