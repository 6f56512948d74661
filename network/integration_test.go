package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fileswoosh/crypto"
	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/netinfo"
	"fileswoosh/storage"
)

type testNode struct {
	name   string
	port   int
	peers  *storage.Peers
	txs    *storage.Transactions
	bus    *events.Bus
	client *Client
	server *Server
	ln     net.Listener
	folder string
}

func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	folder := t.TempDir()
	return &testNode{
		name:   name,
		port:   ln.Addr().(*net.TCPAddr).Port,
		peers:  storage.NewPeers(),
		txs:    storage.NewTransactions(folder),
		bus:    events.NewBus(32),
		ln:     ln,
		folder: folder,
	}
}

// start wires n to reach remote and begins serving. Both nodes live on
// 127.0.0.1, so each client targets the other node's port.
func (n *testNode) start(t *testing.T, remote *testNode) {
	t.Helper()

	ifaces := netinfo.Static{Default: "127.0.0.1"}
	client, err := NewClient(ClientOptions{
		Port:         remote.port,
		Timeout:      5 * time.Second,
		Hostname:     n.name,
		Username:     n.name + " user",
		Interfaces:   ifaces,
		Peers:        n.peers,
		Transactions: n.txs,
		Events:       n.bus,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	cert, err := crypto.SelfSignedCertificate(key, n.name, []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("SelfSignedCertificate failed: %v", err)
	}

	server, err := NewServer(ServerOptions{
		Certificate:  cert,
		Interfaces:   ifaces,
		Peers:        n.peers,
		Transactions: n.txs,
		Scopes:       client.Scopes(),
		Events:       n.bus,
		OnConfirmed: func(id string) {
			_ = client.StartTransaction(context.Background(), id)
		},
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, n.ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	n.client = client
	n.server = server
}

func startPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()

	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	alice.start(t, bob)
	bob.start(t, alice)

	ctx := context.Background()
	if err := alice.client.Connect(ctx, "127.0.0.1"); err != nil {
		t.Fatalf("alice connect failed: %v", err)
	}
	if err := bob.client.Connect(ctx, "127.0.0.1"); err != nil {
		t.Fatalf("bob connect failed: %v", err)
	}
	return alice, bob
}

func waitForCondition(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransferScenarioRequestConfirmStart(t *testing.T) {
	alice, bob := startPair(t)
	ctx := context.Background()

	peer, ok := alice.peers.Get("127.0.0.1")
	if !ok || peer.DisplayName != "bob" || peer.UserLabel != "bob user" || !peer.Discovered {
		t.Fatalf("unexpected peer on alice %+v (found=%v)", peer, ok)
	}

	photo := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(photo, []byte("jpeg bytes"), 0o600); err != nil {
		t.Fatalf("write photo: %v", err)
	}

	outbound, err := alice.client.RequestTransaction(ctx, "127.0.0.1", photo)
	if err != nil {
		t.Fatalf("RequestTransaction failed: %v", err)
	}
	inbound, ok := bob.txs.Get(models.Inbound, outbound.ID)
	if !ok || inbound.Stage != models.StageRequested {
		t.Fatalf("expected bob inbound %q in requested, got %+v (found=%v)", outbound.ID, inbound, ok)
	}
	if !alice.peers.IsBusy("127.0.0.1", alice.txs) {
		t.Fatalf("expected peer to be busy while a transaction is live")
	}

	if _, err := bob.client.ConfirmTransaction(ctx, outbound.ID, ""); err != nil {
		t.Fatalf("ConfirmTransaction failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, "both sides completed", func() bool {
		out, _ := alice.txs.Get(models.Outbound, outbound.ID)
		in, _ := bob.txs.Get(models.Inbound, outbound.ID)
		return out.Stage == models.StageCompleted && in.Stage == models.StageCompleted
	})

	raw, err := os.ReadFile(filepath.Join(bob.folder, "photo.jpg"))
	if err != nil || string(raw) != "jpeg bytes" {
		t.Fatalf("expected received photo, got %q, %v", raw, err)
	}
	if alice.peers.IsBusy("127.0.0.1", alice.txs) {
		t.Fatalf("expected peer not busy after completion")
	}
}

func TestTransferScenarioCancelThenConfirm(t *testing.T) {
	alice, bob := startPair(t)
	ctx := context.Background()

	outbound, err := alice.client.RequestTransaction(ctx, "127.0.0.1", filepath.Join(t.TempDir(), "photo.jpg"))
	if err != nil {
		t.Fatalf("RequestTransaction failed: %v", err)
	}

	if err := bob.client.CancelTransaction(ctx, outbound.ID); err != nil {
		t.Fatalf("CancelTransaction failed: %v", err)
	}
	out, _ := alice.txs.Get(models.Outbound, outbound.ID)
	if out.Stage != models.StageCanceled {
		t.Fatalf("expected alice outbound canceled, got %s", out.Stage)
	}
	in, _ := bob.txs.Get(models.Inbound, outbound.ID)
	if in.Stage != models.StageCanceled {
		t.Fatalf("expected bob inbound canceled, got %s", in.Stage)
	}

	resp, err := bob.client.Call(ctx, "127.0.0.1", EndpointConfirmTransaction, TransactionRef{TransactionID: outbound.ID}, nil)
	if err != nil {
		t.Fatalf("raw confirm call failed: %v", err)
	}
	if resp.Status != StatusError || resp.TransactionID != "" {
		t.Fatalf("expected error status for confirm after cancel, got %+v", resp)
	}

	resp, err = bob.client.Call(ctx, "127.0.0.1", EndpointConfirmTransaction, TransactionRef{TransactionID: "never-issued"}, nil)
	if err != nil {
		t.Fatalf("raw confirm call failed: %v", err)
	}
	if resp.Status != StatusUnknown {
		t.Fatalf("expected unknown status for unissued id, got %+v", resp)
	}

	out, _ = alice.txs.Get(models.Outbound, outbound.ID)
	if out.Stage != models.StageCanceled {
		t.Fatalf("expected alice outbound to stay canceled, got %s", out.Stage)
	}
}
