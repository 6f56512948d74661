package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"fileswoosh/netinfo"
)

const (
	// Probe is the announce payload. Receivers only look at the sender address.
	Probe = "is there anybody out there?"
	// DefaultHopLimit keeps announcements inside the site.
	DefaultHopLimit = 8
	maxDatagramSize = 1024
)

// MulticastOptions configures the announcer and the listener.
type MulticastOptions struct {
	Group      string
	Port       int
	HopLimit   int
	Interfaces netinfo.Interfaces
	Logger     *zap.Logger
}

func (o MulticastOptions) withDefaults() (MulticastOptions, netip.Addr, error) {
	out := o
	if out.HopLimit <= 0 {
		out.HopLimit = DefaultHopLimit
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Interfaces == nil {
		return out, netip.Addr{}, errors.New("discovery: multicast requires an interfaces provider")
	}
	if out.Port <= 0 || out.Port > 65535 {
		return out, netip.Addr{}, fmt.Errorf("discovery: invalid multicast port %d", out.Port)
	}
	group, err := netip.ParseAddr(out.Group)
	if err != nil || !group.Is6() || !group.IsMulticast() {
		return out, netip.Addr{}, fmt.Errorf("discovery: %q is not an IPv6 multicast group", out.Group)
	}
	return out, group, nil
}

// MulticastAnnouncer sends Probe to the group from the default outbound
// address. The socket is opened lazily and reopened after a send failure.
type MulticastAnnouncer struct {
	options MulticastOptions
	dst     *net.UDPAddr

	mu   sync.Mutex
	conn *ipv6.PacketConn
}

// NewMulticastAnnouncer validates options and returns an announcer.
func NewMulticastAnnouncer(options MulticastOptions) (*MulticastAnnouncer, error) {
	opts, group, err := options.withDefaults()
	if err != nil {
		return nil, err
	}
	return &MulticastAnnouncer{
		options: opts,
		dst:     &net.UDPAddr{IP: group.AsSlice(), Port: opts.Port},
	}, nil
}

// Announce implements Announcer.
func (a *MulticastAnnouncer) Announce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		conn, err := a.open()
		if err != nil {
			return err
		}
		a.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetWriteDeadline(deadline)
	}
	if _, err := a.conn.WriteTo([]byte(Probe), nil, a.dst); err != nil {
		_ = a.conn.Close()
		a.conn = nil
		return fmt.Errorf("send announcement: %w", err)
	}
	return nil
}

// Close releases the socket.
func (a *MulticastAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *MulticastAnnouncer) open() (*ipv6.PacketConn, error) {
	source, err := a.options.Interfaces.DefaultAddress()
	if err != nil {
		return nil, fmt.Errorf("default address: %w", err)
	}
	addr, err := netip.ParseAddr(source)
	if err != nil {
		return nil, fmt.Errorf("default address %q: %w", source, err)
	}

	iface, hasIface := netinfo.InterfaceFor(addr)
	bind := "[::]:0"
	if addr.Is6() && !addr.Is4In6() {
		if addr.IsLinkLocalUnicast() && hasIface {
			addr = addr.WithZone(iface.Name)
		}
		bind = net.JoinHostPort(addr.String(), "0")
	}

	raw, err := net.ListenPacket("udp6", bind)
	if err != nil {
		return nil, fmt.Errorf("open announce socket on %s: %w", bind, err)
	}
	conn := ipv6.NewPacketConn(raw)
	if hasIface {
		if err := conn.SetMulticastInterface(&iface); err != nil {
			a.options.Logger.Debug("set multicast interface failed", zap.String("interface", iface.Name), zap.Error(err))
		}
	}
	if err := conn.SetMulticastHopLimit(a.options.HopLimit); err != nil {
		a.options.Logger.Debug("set multicast hop limit failed", zap.Error(err))
	}
	_ = conn.SetMulticastLoopback(false)

	a.options.Logger.Debug("announce socket opened",
		zap.String("source", bind),
		zap.String("group", a.dst.String()),
	)
	return conn, nil
}

// Connector is the outbound call a sighting triggers.
type Connector interface {
	Connect(ctx context.Context, address string) error
}

// ScopeRecorder remembers the zone link-local peers were heard on.
type ScopeRecorder interface {
	Remember(address, zone string)
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	MulticastOptions
	Connector Connector
	Scopes    ScopeRecorder
}

// Listener receives announcements and answers each sender with a connect
// call, which registers this host in the sender's peer directory.
type Listener struct {
	options ListenerOptions
	group   netip.Addr
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewListener validates options and returns an idle listener.
func NewListener(options ListenerOptions) (*Listener, error) {
	opts, group, err := options.MulticastOptions.withDefaults()
	if err != nil {
		return nil, err
	}
	if options.Connector == nil {
		return nil, errors.New("discovery: listener requires a connector")
	}
	options.MulticastOptions = opts
	return &Listener{
		options:  options,
		group:    group,
		logger:   opts.Logger,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Run joins the group and handles datagrams until ctx is done. Connects it
// started may still be running when it returns; see Wait.
func (l *Listener) Run(ctx context.Context) error {
	raw, err := net.ListenPacket("udp6", net.JoinHostPort("::", strconv.Itoa(l.options.Port)))
	if err != nil {
		return fmt.Errorf("open multicast listener: %w", err)
	}
	conn := ipv6.NewPacketConn(raw)
	defer conn.Close()

	if err := conn.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		l.logger.Debug("interface control messages unavailable", zap.Error(err))
	}
	joined := l.join(conn)
	if joined == 0 {
		return fmt.Errorf("join multicast group %s: no usable interface", l.group)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		_, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("read multicast datagram: %w", err)
		}

		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		zone := udp.Zone
		if zone == "" && cm != nil && cm.IfIndex > 0 {
			if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				zone = iface.Name
			}
		}
		l.Handle(ctx, udp.IP.String(), zone)
	}
}

// join subscribes to the group on the default-route interface, or on every
// multicast-capable interface when that cannot be determined.
func (l *Listener) join(conn *ipv6.PacketConn) int {
	group := &net.UDPAddr{IP: l.group.AsSlice()}

	seen := make(map[int]struct{})
	var targets []net.Interface
	addresses, _ := l.options.Interfaces.DefaultIPv6Addresses()
	for _, raw := range addresses {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		if iface, ok := netinfo.InterfaceFor(addr); ok {
			if _, dup := seen[iface.Index]; !dup {
				seen[iface.Index] = struct{}{}
				targets = append(targets, iface)
			}
		}
	}
	if len(targets) == 0 {
		ifaces, _ := net.Interfaces()
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagLoopback == 0 {
				targets = append(targets, iface)
			}
		}
	}

	joined := 0
	for i := range targets {
		if err := conn.JoinGroup(&targets[i], group); err != nil {
			l.logger.Debug("join multicast group failed", zap.String("interface", targets[i].Name), zap.Error(err))
			continue
		}
		joined++
		l.logger.Info("listening for announcements",
			zap.String("group", l.group.String()),
			zap.String("interface", targets[i].Name),
		)
	}
	return joined
}

// Handle processes one sighting of a peer at address, heard on zone. Own
// addresses are ignored, at most one connect per sender is in flight and
// nothing starts once ctx is done.
func (l *Listener) Handle(ctx context.Context, address, zone string) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return
	}
	if addr.Zone() != "" && zone == "" {
		zone = addr.Zone()
	}
	bare := addr.WithZone("").Unmap().String()

	if l.isOwnAddress(bare) {
		return
	}
	if l.options.Scopes != nil && addr.Is6() && addr.IsLinkLocalUnicast() {
		l.options.Scopes.Remember(bare, zone)
	}

	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	if _, busy := l.inFlight[bare]; busy {
		l.mu.Unlock()
		return
	}
	l.inFlight[bare] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.inFlight, bare)
			l.mu.Unlock()
		}()

		started := time.Now()
		if err := l.options.Connector.Connect(ctx, bare); err != nil {
			l.logger.Debug("connect to announcing peer failed",
				zap.String("address", bare),
				zap.Duration("elapsed", time.Since(started)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every connect started by Handle has returned. Call it
// only after every caller of Handle has stopped.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) isOwnAddress(address string) bool {
	local, err := l.options.Interfaces.LocalAddresses()
	if err != nil {
		return false
	}
	for _, own := range local {
		if own == address {
			return true
		}
	}
	return false
}
