package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/log"

	"github.com/sfionov/dnsguard/config"
	"github.com/sfionov/dnsguard/forwarder"
	"github.com/sfionov/dnsguard/server"
	"github.com/sfionov/dnsguard/upstream"
)

const version = "1.0.0"

var (
	flagcfgpath  = flag.String("config", "dnsguard.toml", "location of the config file, if config file not found, a config will generate")
	flagprintver = flag.Bool("v", false, "show version information")

	cfg *config.Config
)

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Example:")
		fmt.Fprintf(os.Stderr, "%s -config=dnsguard.toml\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "")
	}
}

func setup() {
	var err error

	if cfg, err = config.Load(*flagcfgpath, version); err != nil {
		log.Crit("Config loading failed", "error", err.Error())
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	lvl, err := log.LvlFromString(cfg.LogLevel)
	if err != nil {
		log.Crit("Log verbosity level unknown")
	}

	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StdoutHandler))
}

func blockingMode(name string) (forwarder.BlockingMode, error) {
	switch name {
	case "", "default":
		return forwarder.BlockingModeDefault, nil
	case "refused":
		return forwarder.BlockingModeRefused, nil
	case "nxdomain":
		return forwarder.BlockingModeNxdomain, nil
	case "unspecified_address":
		return forwarder.BlockingModeUnspecifiedAddress, nil
	case "custom_address":
		return forwarder.BlockingModeCustomAddress, nil
	default:
		return forwarder.BlockingModeDefault, fmt.Errorf("unknown blocking mode: %s", name)
	}
}

func upstreamOptions(addrs []string, timeout time.Duration, firstID int32) []upstream.Options {
	options := make([]upstream.Options, 0, len(addrs))

	for i, addr := range addrs {
		options = append(options, upstream.Options{
			Address: addr,
			Timeout: timeout,
			ID:      firstID + int32(i),
		})
	}

	return options
}

func forwarderSettings() (forwarder.Settings, error) {
	mode, err := blockingMode(cfg.BlockingMode)
	if err != nil {
		return forwarder.Settings{}, err
	}

	settings := forwarder.Settings{
		Upstreams:          upstreamOptions(cfg.Upstreams, cfg.Timeout.Duration, 0),
		BlockingMode:       mode,
		CustomBlockingIPv4: cfg.CustomBlockingIPv4,
		CustomBlockingIPv6: cfg.CustomBlockingIPv6,
		BlockedResponseTTL: cfg.BlockedResponseTTL,
		BlockIPv6:          cfg.BlockIPv6,
		IPv6Available:      cfg.IPv6Available,
		CacheSize:          cfg.CacheSize,
		OptimisticCache:    cfg.OptimisticCache,
		FilterLists:        cfg.FilterLists,
	}

	settings.Fallbacks = upstreamOptions(cfg.FallbackServers, cfg.Timeout.Duration,
		int32(len(settings.Upstreams)))

	if len(cfg.DNS64Upstreams) > 0 {
		settings.DNS64 = &forwarder.DNS64Settings{
			Upstreams: upstreamOptions(cfg.DNS64Upstreams, cfg.Timeout.Duration, -int32(len(cfg.DNS64Upstreams))),
			MaxTries:  cfg.DNS64MaxTries,
			WaitTime:  cfg.DNS64WaitTime.Duration,
		}
	}

	return settings, nil
}

func listenerSettings(bind, proto string) server.Settings {
	host, port := splitBind(bind)

	return server.Settings{
		Address:         host,
		Port:            port,
		Protocol:        proto,
		Persistent:      cfg.TCPPersistent,
		IdleTimeout:     cfg.TCPIdleTimeout.Duration,
		AccessList:      cfg.AccessList,
		ClientRateLimit: cfg.ClientRateLimit,
	}
}

func splitBind(bind string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return bind, 53
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 53
	}

	return host, uint16(port)
}

func run() {
	settings, err := forwarderSettings()
	if err != nil {
		log.Crit("Settings are invalid", "error", err.Error())
	}

	fwd := new(forwarder.Forwarder)

	events := forwarder.Events{OnRequestProcessed: func(e forwarder.RequestProcessedEvent) {
		log.Debug("Request processed",
			"domain", e.Domain, "type", e.Type, "status", e.Status,
			"cachehit", e.CacheHit, "elapsed", e.Elapsed.String(), "error", e.Error)
	}}

	warning, err := fwd.Init(settings, events)
	if err != nil {
		log.Crit("Forwarder init failed", "error", err.Error())
	}
	if warning != "" {
		log.Warn("Forwarder initialized with warnings", "warning", warning)
	}

	var listeners []server.Listener

	if cfg.Bind != "" {
		l, err := server.CreateAndListen(listenerSettings(cfg.Bind, "udp"), fwd)
		if err != nil {
			log.Crit("UDP listener failed", "addr", cfg.Bind, "error", err.Error())
		}
		listeners = append(listeners, l)
	}

	if cfg.BindTCP != "" {
		l, err := server.CreateAndListen(listenerSettings(cfg.BindTCP, "tcp"), fwd)
		if err != nil {
			log.Crit("TCP listener failed", "addr", cfg.BindTCP, "error", err.Error())
		}
		listeners = append(listeners, l)
	}

	if cfg.Metrics != "" {
		go func() {
			log.Info("Metrics server listening...", "addr", cfg.Metrics)
			if err := http.ListenAndServe(cfg.Metrics, promhttp.Handler()); err != nil {
				log.Error("Metrics server failed", "error", err.Error())
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c

	log.Info("Stopping dnsguard...")

	for _, l := range listeners {
		l.Shutdown()
	}
	for _, l := range listeners {
		l.WaitShutdown()
	}

	fwd.Deinit()
}

func main() {
	flag.Parse()

	if *flagprintver {
		println("dnsguard v" + version)
		os.Exit(0)
	}

	log.Info("Starting dnsguard...", "version", version)

	setup()
	run()
}
