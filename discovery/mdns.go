package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_fileswoosh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseInterval is the period between mDNS browse windows.
	DefaultBrowseInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS beacon and browser. mDNS is an additional
// sighting source next to multicast announcements; every address it yields
// goes through the same connect path.
type MDNSConfig struct {
	Service        string
	Domain         string
	Version        int
	BrowseInterval time.Duration
	ScanTimeout    time.Duration

	Instance    string
	Hostname    string
	Username    string
	Port        int
	Fingerprint string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Instance == "" {
		out.Instance = out.Hostname
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForBeacon() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Beacon advertises this host via mDNS.
type Beacon struct {
	server *zeroconf.Server
}

// StartBeacon registers the service and starts answering queries.
func StartBeacon(config MDNSConfig) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBeacon(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"hostname=" + cfg.Hostname,
		"username=" + cfg.Username,
	}
	if cfg.Fingerprint != "" {
		txt = append(txt, "fingerprint="+cfg.Fingerprint)
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Beacon{server: server}, nil
}

// Stop stops advertising.
func (b *Beacon) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Sighting is called for every address a browse window turns up.
type Sighting func(ctx context.Context, address, zone string)

// Browser periodically browses for other instances.
type Browser struct {
	cfg    MDNSConfig
	browse browseFunc
	found  Sighting
}

// NewBrowser creates a browser reporting addresses to found.
func NewBrowser(config MDNSConfig, found Sighting) (*Browser, error) {
	cfg := config.withDefaults()
	if found == nil {
		return nil, errors.New("discovery: browser requires a sighting callback")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}
	return &Browser{cfg: cfg, browse: browse, found: found}, nil
}

// Run browses once per interval until ctx is done.
func (b *Browser) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		if err := b.Scan(ctx); err != nil && ctx.Err() == nil {
			b.cfg.Logger.Debug("mDNS browse failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan runs one browse window and reports every address found.
func (b *Browser) Scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var (
		mu        sync.Mutex
		collected = make(map[string]struct{})
	)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil || entry.Instance == b.cfg.Instance {
					continue
				}
				if txtToMap(entry.Text)["version"] != strconv.Itoa(b.cfg.Version) {
					continue
				}
				mu.Lock()
				for _, address := range entryAddresses(entry) {
					collected[address] = struct{}{}
				}
				mu.Unlock()
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	mu.Lock()
	addresses := make([]string, 0, len(collected))
	for address := range collected {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	mu.Unlock()

	for _, address := range addresses {
		b.found(ctx, address, "")
	}

	// A timeout just means this browse window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// entryAddresses lists the addresses of entry. zeroconf does not report the
// zone of link-local addresses; those resolve through the scope cache.
func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	out := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
