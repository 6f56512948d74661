package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/netinfo"
	"fileswoosh/storage"
)

type clientFixture struct {
	client *Client
	peers  *storage.Peers
	txs    *storage.Transactions
	bus    *events.Bus
}

func newClientFixture(t *testing.T, port int) *clientFixture {
	t.Helper()

	f := &clientFixture{
		peers: storage.NewPeers(),
		txs:   storage.NewTransactions(t.TempDir()),
		bus:   events.NewBus(16),
	}
	client, err := NewClient(ClientOptions{
		Port:         port,
		Hostname:     "alice-laptop",
		Username:     "Alice",
		Interfaces:   netinfo.Static{Default: "192.0.2.1"},
		Peers:        f.peers,
		Transactions: f.txs,
		Events:       f.bus,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	f.client = client
	return f
}

func startTLSPeer(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return port
}

func closedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

type countingCloser struct {
	io.Reader
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func TestConnectSendsHostInfo(t *testing.T) {
	var got ConnectRequest
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EndpointConnect || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeResponse(w, Response{Status: StatusOK})
	})
	f := newClientFixture(t, port)

	if err := f.client.Connect(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got.Address != "192.0.2.1" || got.Hostname != "alice-laptop" || got.Username != "Alice" {
		t.Fatalf("unexpected connect payload %+v", got)
	}
}

func TestCallTreatsMalformedBodyAsTransportError(t *testing.T) {
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "definitely not json")
	})
	f := newClientFixture(t, port)

	_, err := f.client.Call(context.Background(), "127.0.0.1", EndpointConnect, ConnectRequest{}, nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.Endpoint != EndpointConnect || transportErr.Address != "127.0.0.1" {
		t.Fatalf("unexpected transport error %+v", transportErr)
	}
}

func TestCallTreatsNon200AsTransportError(t *testing.T) {
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	f := newClientFixture(t, port)

	_, err := f.client.Call(context.Background(), "127.0.0.1", EndpointConnect, ConnectRequest{}, nil)
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestCallClosesAttachmentOnceOnFailure(t *testing.T) {
	f := newClientFixture(t, closedPort(t))
	attachment := &countingCloser{Reader: bytes.NewReader(bytes.Repeat([]byte("x"), 1<<16))}

	_, err := f.client.Call(context.Background(), "127.0.0.1", EndpointStartTransaction,
		TransactionRef{TransactionID: "t1"}, &Attachment{Name: "x.bin", Reader: attachment})
	if err == nil {
		t.Fatalf("expected unreachable peer to fail")
	}
	if got := attachment.closes.Load(); got != 1 {
		t.Fatalf("expected attachment closed once, got %d", got)
	}
}

func TestCallClosesAttachmentOnceOnSuccess(t *testing.T) {
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(MaxMemoryMultipart)
		writeResponse(w, Response{Status: StatusOK})
	})
	f := newClientFixture(t, port)
	attachment := &countingCloser{Reader: bytes.NewReader([]byte("payload"))}

	if _, err := f.client.Call(context.Background(), "127.0.0.1", EndpointStartTransaction,
		TransactionRef{TransactionID: "t1"}, &Attachment{Name: "x.bin", Reader: attachment}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got := attachment.closes.Load(); got != 1 {
		t.Fatalf("expected attachment closed once, got %d", got)
	}
}

func TestRequestTransactionRecordsOutboundUnderRemoteID(t *testing.T) {
	var got TransactionRequest
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeResponse(w, Response{TransactionID: "t1"})
	})
	f := newClientFixture(t, port)

	tx, err := f.client.RequestTransaction(context.Background(), "127.0.0.1", "/home/alice/photo.jpg")
	if err != nil {
		t.Fatalf("RequestTransaction failed: %v", err)
	}
	if got.Filename != "photo.jpg" || got.Hostname != "alice-laptop" {
		t.Fatalf("unexpected request payload %+v", got)
	}
	stored, ok := f.txs.Get(models.Outbound, "t1")
	if !ok || stored.Stage != models.StageRequested || stored.FilePath != "/home/alice/photo.jpg" || tx.ID != "t1" {
		t.Fatalf("unexpected outbound transaction %+v (found=%v)", stored, ok)
	}
}

func TestRequestTransactionRejectedLeavesNoState(t *testing.T) {
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, Response{Status: StatusError})
	})
	f := newClientFixture(t, port)

	if _, err := f.client.RequestTransaction(context.Background(), "127.0.0.1", "/tmp/a.txt"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(f.txs.List(models.Outbound)) != 0 {
		t.Fatalf("expected no outbound transaction")
	}
}

func TestStartTransactionIsNoOpUnlessConfirmed(t *testing.T) {
	var calls atomic.Int32
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeResponse(w, Response{Status: StatusOK})
	})
	f := newClientFixture(t, port)

	if _, err := f.txs.CreateOutbound("t1", "127.0.0.1", "/tmp/a.txt"); err != nil {
		t.Fatalf("CreateOutbound failed: %v", err)
	}
	if err := f.client.StartTransaction(context.Background(), "t1"); !errors.Is(err, ErrStageNotConfirmed) {
		t.Fatalf("expected ErrStageNotConfirmed, got %v", err)
	}

	if _, err := f.txs.SetStage(models.Outbound, "t1", models.StageCanceled); err != nil {
		t.Fatalf("SetStage failed: %v", err)
	}
	if err := f.client.StartTransaction(context.Background(), "t1"); !errors.Is(err, ErrStageNotConfirmed) {
		t.Fatalf("expected ErrStageNotConfirmed for canceled, got %v", err)
	}

	tx, _ := f.txs.Get(models.Outbound, "t1")
	if tx.Stage != models.StageCanceled {
		t.Fatalf("expected stage unchanged, got %s", tx.Stage)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network call, got %d", calls.Load())
	}
}

func TestStartTransactionStreamsFileWithSidecar(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(filePath, []byte("jpeg bytes"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	var gotID, gotName, gotContent string
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(MaxMemoryMultipart); err != nil {
			t.Errorf("ParseMultipartForm failed: %v", err)
			return
		}
		gotID, _ = sidecarTransactionID(r.MultipartForm)
		header := r.MultipartForm.File[PartFile][0]
		gotName = header.Filename
		file, _ := header.Open()
		raw, _ := io.ReadAll(file)
		_ = file.Close()
		gotContent = string(raw)
		writeResponse(w, Response{Status: StatusOK})
	})
	f := newClientFixture(t, port)

	var wrapped atomic.Int64
	f.client.options.WrapUpload = func(tx models.Transaction, size int64, r io.Reader) io.Reader {
		wrapped.Store(size)
		return r
	}

	if _, err := f.txs.CreateOutbound("t1", "127.0.0.1", filePath); err != nil {
		t.Fatalf("CreateOutbound failed: %v", err)
	}
	if _, err := f.txs.SetStage(models.Outbound, "t1", models.StageConfirmed); err != nil {
		t.Fatalf("SetStage failed: %v", err)
	}
	if err := f.client.StartTransaction(context.Background(), "t1"); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}

	if gotID != "t1" || gotName != "photo.jpg" || gotContent != "jpeg bytes" {
		t.Fatalf("unexpected upload id=%q name=%q content=%q", gotID, gotName, gotContent)
	}
	if wrapped.Load() != int64(len("jpeg bytes")) {
		t.Fatalf("expected upload wrapper to see file size, got %d", wrapped.Load())
	}
	tx, _ := f.txs.Get(models.Outbound, "t1")
	if tx.Stage != models.StageCompleted {
		t.Fatalf("expected completed, got %s", tx.Stage)
	}

	select {
	case event := <-f.bus.Events():
		if event.Type != events.TransactionCompleted || event.Err != nil {
			t.Fatalf("unexpected event %+v", event)
		}
	default:
		t.Fatalf("expected completion event")
	}
}

func TestStartTransactionCompletesWhenCallFails(t *testing.T) {
	f := newClientFixture(t, closedPort(t))

	filePath := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(filePath, []byte("a"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := f.txs.CreateOutbound("t1", "127.0.0.1", filePath); err != nil {
		t.Fatalf("CreateOutbound failed: %v", err)
	}
	if _, err := f.txs.SetStage(models.Outbound, "t1", models.StageConfirmed); err != nil {
		t.Fatalf("SetStage failed: %v", err)
	}

	var transportErr *TransportError
	if err := f.client.StartTransaction(context.Background(), "t1"); !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	tx, _ := f.txs.Get(models.Outbound, "t1")
	if tx.Stage != models.StageCompleted {
		t.Fatalf("expected completed after failed call, got %s", tx.Stage)
	}
}

func TestCancelTransactionCancelsLocallyWhenPeerUnreachable(t *testing.T) {
	f := newClientFixture(t, closedPort(t))
	tx := f.txs.CreateInbound("127.0.0.1")

	if err := f.client.CancelTransaction(context.Background(), tx.ID); err == nil {
		t.Fatalf("expected unreachable peer error")
	}
	got, _ := f.txs.Get(models.Inbound, tx.ID)
	if got.Stage != models.StageCanceled {
		t.Fatalf("expected canceled, got %s", got.Stage)
	}
}

func TestConfirmTransactionRewritesSaveFolder(t *testing.T) {
	var got TransactionRef
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeResponse(w, Response{TransactionID: got.TransactionID})
	})
	f := newClientFixture(t, port)
	tx := f.txs.CreateInbound("127.0.0.1")
	folder := t.TempDir()

	confirmed, err := f.client.ConfirmTransaction(context.Background(), tx.ID, folder)
	if err != nil {
		t.Fatalf("ConfirmTransaction failed: %v", err)
	}
	if got.TransactionID != tx.ID {
		t.Fatalf("unexpected confirm payload %+v", got)
	}
	if confirmed.Stage != models.StageConfirmed || confirmed.SaveFolder != folder {
		t.Fatalf("unexpected confirmed transaction %+v", confirmed)
	}
	if f.txs.DefaultSaveFolder() != folder {
		t.Fatalf("expected default save folder to follow confirmation")
	}
}

func TestConfirmTransactionRejectsCanceled(t *testing.T) {
	f := newClientFixture(t, closedPort(t))
	tx := f.txs.CreateInbound("127.0.0.1")
	if _, err := f.txs.SetStage(models.Inbound, tx.ID, models.StageCanceled); err != nil {
		t.Fatalf("SetStage failed: %v", err)
	}

	if _, err := f.client.ConfirmTransaction(context.Background(), tx.ID, ""); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.client.ConfirmTransaction(context.Background(), "missing", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCallTimesOutWhenPeerStallsAfterHeaders(t *testing.T) {
	release := make(chan struct{})
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	})
	t.Cleanup(func() { close(release) })

	client, err := NewClient(ClientOptions{
		Port:         port,
		Timeout:      300 * time.Millisecond,
		Interfaces:   netinfo.Static{},
		Peers:        storage.NewPeers(),
		Transactions: storage.NewTransactions(t.TempDir()),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "127.0.0.1", EndpointConnect, ConnectRequest{}, nil)
		done <- err
	}()

	select {
	case err := <-done:
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("expected TransportError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Call still blocked long after its timeout")
	}
}

func TestCallKeepsSlowButActiveUploadAlive(t *testing.T) {
	port := startTLSPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			t.Errorf("read upload: %v", err)
		}
		writeResponse(w, Response{Status: StatusOK})
	})

	client, err := NewClient(ClientOptions{
		Port:         port,
		Timeout:      300 * time.Millisecond,
		Interfaces:   netinfo.Static{},
		Peers:        storage.NewPeers(),
		Transactions: storage.NewTransactions(t.TempDir()),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)

	pr, pw := io.Pipe()
	go func() {
		// Eight chunks 100ms apart outlast the timeout in total but never go silent for long.
		for i := 0; i < 8; i++ {
			if _, err := pw.Write(bytes.Repeat([]byte("x"), 8<<10)); err != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		_ = pw.Close()
	}()

	resp, err := client.Call(context.Background(), "127.0.0.1", EndpointStartTransaction,
		TransactionRef{TransactionID: "t1"}, &Attachment{Name: "slow.bin", Reader: pr})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
}
