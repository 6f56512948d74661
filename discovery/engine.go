// Package discovery finds peers on the local network and expires the ones
// that stop announcing themselves.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/storage"
)

const (
	// DefaultAnnounceInterval is the period between presence announcements.
	DefaultAnnounceInterval = 250 * time.Millisecond
	// DefaultPeerTTL is how long a discovered peer survives without a /connect.
	DefaultPeerTTL = 15 * time.Second
)

// ErrInvalidAddress indicates a manually entered address is not an IP literal.
var ErrInvalidAddress = errors.New("discovery: invalid address")

// Announcer sends one presence datagram.
type Announcer interface {
	Announce(ctx context.Context) error
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Interval     time.Duration
	TTL          time.Duration
	Peers        *storage.Peers
	Transactions *storage.Transactions
	Events       *events.Bus
	Announcer    Announcer
	Logger       *zap.Logger

	now func() time.Time
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.Interval <= 0 {
		out.Interval = DefaultAnnounceInterval
	}
	if out.TTL <= 0 {
		out.TTL = DefaultPeerTTL
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Engine runs the announce loop and the liveness sweep.
type Engine struct {
	options EngineOptions
	logger  *zap.Logger
}

// NewEngine validates options and returns an idle engine.
func NewEngine(options EngineOptions) (*Engine, error) {
	opts := options.withDefaults()
	if opts.Peers == nil || opts.Transactions == nil {
		return nil, errors.New("discovery: engine requires peer and transaction stores")
	}
	return &Engine{options: opts, logger: opts.Logger}, nil
}

// Run announces, sweeps and notifies once per interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.options.Interval)
	defer ticker.Stop()

	for {
		e.Cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle performs one announce and one sweep, then signals that the peer set
// may have changed.
func (e *Engine) Cycle(ctx context.Context) {
	if e.options.Announcer != nil {
		if err := e.options.Announcer.Announce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debug("announce failed", zap.Error(err))
		}
	}
	e.Sweep()
	e.options.Events.NotifyPeersChanged()
}

// Sweep removes discovered peers not seen for longer than the TTL and cancels
// the inbound transactions they were sending.
func (e *Engine) Sweep() []models.Peer {
	expired := e.options.Peers.RemoveExpired(e.options.now(), e.options.TTL)
	for _, peer := range expired {
		canceled := e.options.Transactions.CancelInbound(peer.Address)
		e.logger.Info("peer expired",
			zap.String("address", peer.Address),
			zap.String("hostname", peer.DisplayName),
			zap.Int("canceled_transactions", len(canceled)),
		)
		for _, id := range canceled {
			e.options.Events.Emit(events.Event{
				Type:          events.TransactionCanceled,
				TransactionID: id,
				Direction:     models.Inbound,
				Address:       peer.Address,
			})
		}
	}
	return expired
}

// AddManually records a peer that never expires. An address already in the
// directory is left untouched.
func (e *Engine) AddManually(displayName, address string) (models.Peer, error) {
	normalized, err := ParsePeerAddress(address)
	if err != nil {
		e.logger.Warn("invalid manual peer address", zap.String("address", address), zap.Error(err))
		return models.Peer{}, err
	}

	peer, added := e.options.Peers.AddIfAbsent(normalized, strings.TrimSpace(displayName))
	if added {
		e.logger.Info("peer added manually", zap.String("address", normalized))
		e.options.Events.NotifyPeersChanged()
	}
	return peer, nil
}

// ParsePeerAddress validates an IP literal, optionally bracketed, and returns
// it in canonical form with IPv4-mapped addresses unwrapped.
func ParsePeerAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]")
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.Unmap().String(), nil
}
