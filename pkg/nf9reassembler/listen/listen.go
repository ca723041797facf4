package listen

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SchemeNetFlow is the only scheme accepted: every datagram goes through reassembly.
const SchemeNetFlow = "netflow"

// ListenerConfig defines a parsed listen address.
type ListenerConfig struct {
	Scheme     string
	Hostname   string
	Port       int
	NumSockets int
	NumWorkers int
	Blocking   bool
	QueueSize  int
}

func queryUint(query url.Values, name string) (int, bool, error) {
	if !query.Has(name) {
		return 0, false, nil
	}
	value, err := strconv.ParseUint(query.Get(name), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("error parsing %s in URL: %w", name, err)
	}
	return int(value), true, nil
}

// ParseListenAddress parses a URL such as netflow://:2055?count=2&workers=4&blocking=false&queue_size=1000.
func ParseListenAddress(listenAddress string) (ListenerConfig, error) {
	var cfg ListenerConfig
	listenAddrURL, err := url.Parse(strings.TrimSpace(listenAddress))
	if err != nil {
		return cfg, fmt.Errorf("parse listen address %q: %w", listenAddress, err)
	}
	if listenAddrURL.Scheme != SchemeNetFlow {
		return cfg, fmt.Errorf("scheme does not exist: %q", listenAddrURL.Scheme)
	}
	query := listenAddrURL.Query()

	cfg.Scheme = listenAddrURL.Scheme
	cfg.Hostname = listenAddrURL.Hostname()

	port, err := strconv.ParseUint(listenAddrURL.Port(), 10, 16)
	if err != nil {
		return cfg, fmt.Errorf("port could not be converted to integer: %s: %w", listenAddrURL.Port(), err)
	}
	cfg.Port = int(port)

	if cfg.NumSockets, _, err = queryUint(query, "count"); err != nil {
		return cfg, err
	}
	if cfg.NumSockets == 0 {
		cfg.NumSockets = 1
	}
	if cfg.NumWorkers, _, err = queryUint(query, "workers"); err != nil {
		return cfg, err
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = cfg.NumSockets * 2
	}

	if query.Has("blocking") {
		if cfg.Blocking, err = strconv.ParseBool(query.Get("blocking")); err != nil {
			return cfg, fmt.Errorf("error parsing blocking in URL: %w", err)
		}
	}

	var hasQueueSize bool
	if cfg.QueueSize, hasQueueSize, err = queryUint(query, "queue_size"); err != nil {
		return cfg, err
	}
	if !hasQueueSize && !cfg.Blocking {
		cfg.QueueSize = 1000000
	}
	return cfg, nil
}

// ParseListenAddresses parses a comma-separated list of listen URLs.
func ParseListenAddresses(addresses string) ([]ListenerConfig, error) {
	var cfgs []ListenerConfig
	for _, listenAddress := range strings.Split(addresses, ",") {
		cfg, err := ParseListenAddress(listenAddress)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}
