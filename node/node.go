// Package node assembles one running FileSwoosh instance: peer and
// transaction stores, the HTTPS transport, multicast discovery and the
// optional mDNS beacon.
package node

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fileswoosh/config"
	"fileswoosh/crypto"
	"fileswoosh/discovery"
	"fileswoosh/events"
	"fileswoosh/logging"
	"fileswoosh/models"
	"fileswoosh/netinfo"
	"fileswoosh/network"
	"fileswoosh/storage"
)

// Options configures New.
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	Interfaces netinfo.Interfaces

	// WrapUpload, when set, wraps every outgoing file stream.
	WrapUpload network.UploadWrapper
	// EventBuffer sizes the transaction event queue.
	EventBuffer int
}

// Node is the collaborator surface used by front-ends.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	peers  *storage.Peers
	txs    *storage.Transactions
	bus    *events.Bus
	scopes *network.ScopeCache

	client    *network.Client
	server    *network.Server
	engine    *discovery.Engine
	announcer *discovery.MulticastAnnouncer
	listener  *discovery.Listener

	fingerprint string

	startMu  sync.Mutex
	startCtx context.Context
	starts   sync.WaitGroup
}

// New builds every component without opening sockets.
func New(options Options) (*Node, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("node: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(options.Logger)
	ifaces := options.Interfaces
	if ifaces == nil {
		ifaces = netinfo.NewSystem()
	}

	cert, fingerprint, err := loadCertificate(cfg, ifaces)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		logger:      logger.Named("node"),
		peers:       storage.NewPeers(),
		txs:         storage.NewTransactions(cfg.SaveFolder),
		bus:         events.NewBus(options.EventBuffer),
		scopes:      network.NewScopeCache(),
		fingerprint: fingerprint,
	}

	n.client, err = network.NewClient(network.ClientOptions{
		Port:         cfg.Port,
		Timeout:      cfg.RequestTimeout,
		Hostname:     cfg.Hostname,
		Username:     cfg.Username,
		Interfaces:   ifaces,
		Peers:        n.peers,
		Transactions: n.txs,
		Scopes:       n.scopes,
		Events:       n.bus,
		Logger:       logger.Named("client"),
		WrapUpload:   options.WrapUpload,
	})
	if err != nil {
		return nil, err
	}

	n.server, err = network.NewServer(network.ServerOptions{
		Port:            cfg.Port,
		ListenAddresses: cfg.ListenAddresses,
		Certificate:     cert,
		Interfaces:      ifaces,
		Peers:           n.peers,
		Transactions:    n.txs,
		Scopes:          n.scopes,
		Events:          n.bus,
		Logger:          logger.Named("server"),
		OnConfirmed:     n.startConfirmed,
	})
	if err != nil {
		return nil, err
	}

	multicast := discovery.MulticastOptions{
		Group:      cfg.MulticastAddress,
		Port:       cfg.Port,
		Interfaces: ifaces,
		Logger:     logger.Named("discovery"),
	}
	n.announcer, err = discovery.NewMulticastAnnouncer(multicast)
	if err != nil {
		return nil, err
	}
	n.listener, err = discovery.NewListener(discovery.ListenerOptions{
		MulticastOptions: multicast,
		Connector:        n.client,
		Scopes:           n.scopes,
	})
	if err != nil {
		return nil, err
	}
	n.engine, err = discovery.NewEngine(discovery.EngineOptions{
		Interval:     cfg.AnnounceInterval,
		TTL:          cfg.PeerTTL,
		Peers:        n.peers,
		Transactions: n.txs,
		Events:       n.bus,
		Announcer:    n.announcer,
		Logger:       logger.Named("discovery"),
	})
	if err != nil {
		return nil, err
	}

	return n, nil
}

func loadCertificate(cfg *config.Config, ifaces netinfo.Interfaces) (tls.Certificate, string, error) {
	if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
		return tls.Certificate{}, "", err
	}
	key, err := crypto.EnsureIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("load identity key: %w", err)
	}
	local, _ := ifaces.LocalAddresses()
	cert, err := crypto.SelfSignedCertificate(key, cfg.Hostname, local)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	fingerprint := crypto.FormatFingerprint(crypto.KeyFingerprint(key.Public().(ed25519.PublicKey)))
	return cert, fingerprint, nil
}

// Run serves, announces and listens until ctx is cancelled. Failure of the
// multicast listener or of mDNS degrades discovery but does not stop the node.
func (n *Node) Run(ctx context.Context) error {
	defer n.bus.Close()
	defer n.client.Close()
	defer n.announcer.Close()

	n.logger.Info("node starting",
		zap.String("hostname", n.cfg.Hostname),
		zap.String("username", n.cfg.Username),
		zap.Int("port", n.cfg.Port),
		zap.String("fingerprint", n.fingerprint),
		zap.String("save_folder", n.txs.DefaultSaveFolder()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.acceptStarts(runCtx)

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return n.server.ListenAndServe(groupCtx)
	})
	group.Go(func() error {
		return n.engine.Run(groupCtx)
	})
	group.Go(func() error {
		if err := n.listener.Run(groupCtx); err != nil {
			n.logger.Warn("multicast discovery unavailable", zap.Error(err))
		}
		return nil
	})
	if n.cfg.MDNS.Enabled {
		group.Go(func() error {
			n.runMDNS(groupCtx)
			return nil
		})
	}

	err := group.Wait()
	cancel()
	n.listener.Wait()
	n.drainStarts()
	n.logger.Info("node stopped")
	return err
}

func (n *Node) runMDNS(ctx context.Context) {
	mdns := discovery.MDNSConfig{
		Service:     n.cfg.MDNS.Service,
		Domain:      n.cfg.MDNS.Domain,
		Hostname:    n.cfg.Hostname,
		Username:    n.cfg.Username,
		Port:        n.cfg.Port,
		Fingerprint: n.fingerprint,
		Logger:      n.logger.Named("mdns"),
	}

	beacon, err := discovery.StartBeacon(mdns)
	if err != nil {
		n.logger.Warn("mDNS beacon unavailable", zap.Error(err))
	} else {
		defer beacon.Stop()
	}

	browser, err := discovery.NewBrowser(mdns, n.listener.Handle)
	if err != nil {
		n.logger.Warn("mDNS browser unavailable", zap.Error(err))
		<-ctx.Done()
		return
	}
	_ = browser.Run(ctx)
}

// acceptStarts lets confirmed transactions start under ctx.
func (n *Node) acceptStarts(ctx context.Context) {
	n.startMu.Lock()
	n.startCtx = ctx
	n.startMu.Unlock()
}

// drainStarts refuses new starts and waits for the running ones.
func (n *Node) drainStarts() {
	n.startMu.Lock()
	n.startCtx = nil
	n.startMu.Unlock()
	n.starts.Wait()
}

// startConfirmed streams the file of an outbound transaction the receiver
// just confirmed. Outside Run the transaction is left confirmed.
func (n *Node) startConfirmed(id string) {
	n.startMu.Lock()
	ctx := n.startCtx
	if ctx == nil {
		n.startMu.Unlock()
		n.logger.Warn("node stopped, transfer not started", zap.String("transaction_id", id))
		return
	}
	n.starts.Add(1)
	n.startMu.Unlock()
	defer n.starts.Done()

	if err := n.StartTransaction(ctx, id); err != nil {
		n.logger.Warn("transfer failed", zap.String("transaction_id", id), zap.Error(err))
	}
}

// Fingerprint returns the formatted identity key fingerprint.
func (n *Node) Fingerprint() string {
	return n.fingerprint
}

// Connect announces this host to address.
func (n *Node) Connect(ctx context.Context, address string) error {
	return n.client.Connect(ctx, address)
}

// RequestTransaction offers filePath to the peer at address.
func (n *Node) RequestTransaction(ctx context.Context, address, filePath string) (models.Transaction, error) {
	return n.client.RequestTransaction(ctx, address, filePath)
}

// ConfirmTransaction accepts an inbound transaction, optionally into saveFolder.
func (n *Node) ConfirmTransaction(ctx context.Context, id, saveFolder string) (models.Transaction, error) {
	return n.client.ConfirmTransaction(ctx, id, saveFolder)
}

// CancelTransaction declines an inbound transaction.
func (n *Node) CancelTransaction(ctx context.Context, id string) error {
	return n.client.CancelTransaction(ctx, id)
}

// StartTransaction streams a confirmed outbound transaction.
func (n *Node) StartTransaction(ctx context.Context, id string) error {
	return n.client.StartTransaction(ctx, id)
}

// AddPeer adds a peer that never expires.
func (n *Node) AddPeer(displayName, address string) (models.Peer, error) {
	return n.engine.AddManually(displayName, address)
}

// Peers returns the known peers ordered by address with Busy computed now.
func (n *Node) Peers() []models.Peer {
	snapshot := n.peers.Snapshot(n.txs)
	out := make([]models.Peer, 0, len(snapshot))
	for _, peer := range snapshot {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Transaction returns one transaction.
func (n *Node) Transaction(direction models.Direction, id string) (models.Transaction, bool) {
	return n.txs.Get(direction, id)
}

// Transactions returns all transactions of one direction.
func (n *Node) Transactions(direction models.Direction) []models.Transaction {
	return n.txs.List(direction)
}

// Events returns the transaction event stream. It is closed when Run returns.
func (n *Node) Events() <-chan events.Event {
	return n.bus.Events()
}

// PeersChanged is signalled whenever the peer set may have changed.
func (n *Node) PeersChanged() <-chan struct{} {
	return n.bus.PeersChanged()
}
