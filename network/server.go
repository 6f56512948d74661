package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fileswoosh/crypto"
	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/netinfo"
	"fileswoosh/storage"
)

const (
	// DefaultShutdownTimeout bounds graceful listener shutdown.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultReadHeaderTimeout bounds how long a caller may take to send headers.
	DefaultReadHeaderTimeout = 30 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Port            int
	ListenAddresses []string
	Certificate     tls.Certificate

	Interfaces   netinfo.Interfaces
	Peers        *storage.Peers
	Transactions *storage.Transactions
	Scopes       *ScopeCache
	Events       *events.Bus
	Logger       *zap.Logger

	// OnConfirmed runs in its own goroutine after an outbound transaction
	// was confirmed by its receiver.
	OnConfirmed func(id string)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if len(out.ListenAddresses) == 0 {
		out.ListenAddresses = []string{"::"}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Peers == nil || o.Transactions == nil {
		return errors.New("network: server requires peer and transaction stores")
	}
	if o.Interfaces == nil {
		return errors.New("network: server requires an interfaces provider")
	}
	return nil
}

// Server answers the protocol endpoints over HTTPS.
type Server struct {
	options ServerOptions
	logger  *zap.Logger
	handler http.Handler

	mu      sync.Mutex
	servers []*http.Server
}

// NewServer builds the handler tree. Call Serve or ListenAndServe to accept connections.
func NewServer(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Server{options: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+EndpointConnect, s.handleConnect)
	mux.HandleFunc("POST "+EndpointRequestTransaction, s.handleRequestTransaction)
	mux.HandleFunc("POST "+EndpointConfirmTransaction, s.handleConfirmTransaction)
	mux.HandleFunc("POST "+EndpointCancelTransaction, s.handleCancelTransaction)
	mux.HandleFunc("POST "+EndpointStartTransaction, s.handleStartTransaction)
	mux.HandleFunc("/", s.handleUnknown)
	s.handler = accessLog(opts.Logger, mux)
	return s, nil
}

// Handler returns the plain HTTP handler, without TLS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe opens one TLS listener per configured address and serves
// until ctx is cancelled. With several addresses each listener is bound to a
// single address family.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addresses := s.options.ListenAddresses
	listeners := make([]net.Listener, 0, len(addresses))
	for _, host := range addresses {
		network := "tcp"
		if len(addresses) > 1 {
			network = familyNetwork(host)
		}
		address := net.JoinHostPort(host, strconv.Itoa(s.options.Port))
		ln, err := net.Listen(network, address)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return fmt.Errorf("listen on %s %q: %w", network, address, err)
		}
		listeners = append(listeners, ln)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		group.Go(func() error {
			return s.Serve(groupCtx, ln)
		})
	}
	return group.Wait()
}

func familyNetwork(host string) string {
	if strings.Contains(host, ":") {
		return "tcp6"
	}
	return "tcp4"
}

// Serve accepts TLS connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		TLSConfig:         crypto.ServerTLSConfig(s.options.Certificate),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	s.logger.Info("listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(tls.NewListener(ln, srv.TLSConfig))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		<-errCh
		return nil
	}
}

// caller returns the normalized address of the request's sender and
// remembers the zone of link-local callers.
func (s *Server) caller(r *http.Request) string {
	address, zone := NormalizeCallerAddress(r.RemoteAddr)
	s.options.Scopes.Remember(address, zone)
	return address
}

func (s *Server) isOwnAddress(address string) bool {
	local, err := s.options.Interfaces.LocalAddresses()
	if err != nil {
		s.logger.Debug("local addresses unavailable", zap.Error(err))
		return false
	}
	for _, own := range local {
		if own == address {
			return true
		}
	}
	return false
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)

	var req ConnectRequest
	if err := decodeBody(r.Body, &req); err != nil {
		s.reject(w, caller, EndpointConnect, StatusError, err.Error())
		return
	}
	if s.isOwnAddress(caller) {
		writeResponse(w, Response{Status: StatusOK})
		return
	}

	s.options.Peers.Upsert(caller, req.Hostname, req.Username, true)
	s.options.Events.NotifyPeersChanged()
	writeResponse(w, Response{Status: StatusOK})
}

func (s *Server) handleRequestTransaction(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)

	var req TransactionRequest
	if err := decodeBody(r.Body, &req); err != nil {
		s.reject(w, caller, EndpointRequestTransaction, StatusError, err.Error())
		return
	}
	peer, known := s.options.Peers.Get(caller)
	if !known {
		s.reject(w, caller, EndpointRequestTransaction, StatusError, "unknown caller")
		return
	}

	tx := s.options.Transactions.CreateInbound(caller)
	hostname, username := req.Hostname, req.Username
	if hostname == "" {
		hostname = peer.DisplayName
	}
	if username == "" {
		username = peer.UserLabel
	}

	s.logger.Info("transaction requested by peer",
		zap.String("transaction_id", tx.ID),
		zap.String("address", caller),
		zap.String("file", req.Filename),
	)
	s.options.Events.Emit(events.Event{
		Type:          events.TransactionRequested,
		TransactionID: tx.ID,
		Direction:     models.Inbound,
		Address:       caller,
		Hostname:      hostname,
		Username:      username,
		FileName:      storage.SanitizeFileName(req.Filename),
		SaveFolder:    tx.SaveFolder,
	})
	writeResponse(w, Response{TransactionID: tx.ID})
}

func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)

	var req TransactionRef
	if err := decodeBody(r.Body, &req); err != nil || req.TransactionID == "" {
		s.reject(w, caller, EndpointConfirmTransaction, StatusError, "missing transaction id")
		return
	}
	if !s.options.Peers.Contains(caller) {
		s.reject(w, caller, EndpointConfirmTransaction, StatusError, "unknown caller")
		return
	}

	tx, ok := s.options.Transactions.Get(models.Outbound, req.TransactionID)
	if !ok {
		s.reject(w, caller, EndpointConfirmTransaction, StatusUnknown, "unknown transaction")
		return
	}
	if tx.Stage != models.StageRequested {
		s.reject(w, caller, EndpointConfirmTransaction, StatusError, "transaction is "+string(tx.Stage))
		return
	}
	if _, err := s.options.Transactions.SetStage(models.Outbound, tx.ID, models.StageConfirmed); err != nil {
		s.reject(w, caller, EndpointConfirmTransaction, StatusError, err.Error())
		return
	}

	s.options.Events.Emit(events.Event{
		Type:          events.TransactionConfirmed,
		TransactionID: tx.ID,
		Direction:     models.Outbound,
		Address:       tx.Address,
	})
	if s.options.OnConfirmed != nil {
		go s.options.OnConfirmed(tx.ID)
	}
	writeResponse(w, Response{TransactionID: tx.ID})
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)

	var req TransactionRef
	if err := decodeBody(r.Body, &req); err != nil || req.TransactionID == "" {
		s.reject(w, caller, EndpointCancelTransaction, StatusError, "missing transaction id")
		return
	}
	if !s.options.Peers.Contains(caller) {
		s.reject(w, caller, EndpointCancelTransaction, StatusError, "unknown caller")
		return
	}

	tx, err := s.options.Transactions.SetStage(models.Outbound, req.TransactionID, models.StageCanceled)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.reject(w, caller, EndpointCancelTransaction, StatusUnknown, "unknown transaction")
		return
	case err != nil:
		s.reject(w, caller, EndpointCancelTransaction, StatusError, err.Error())
		return
	}

	s.options.Events.Emit(events.Event{
		Type:          events.TransactionCanceled,
		TransactionID: tx.ID,
		Direction:     models.Outbound,
		Address:       tx.Address,
	})
	writeResponse(w, Response{Status: StatusOK})
}

func (s *Server) handleStartTransaction(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)

	if err := r.ParseMultipartForm(MaxMemoryMultipart); err != nil {
		s.reject(w, caller, EndpointStartTransaction, StatusError, err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	id, err := sidecarTransactionID(r.MultipartForm)
	if err != nil || id == "" {
		s.reject(w, caller, EndpointStartTransaction, StatusError, "missing transaction id")
		return
	}
	if !s.options.Peers.Contains(caller) {
		s.reject(w, caller, EndpointStartTransaction, StatusError, "unknown caller")
		return
	}

	txs := s.options.Transactions
	tx, ok := txs.Get(models.Inbound, id)
	if !ok {
		s.reject(w, caller, EndpointStartTransaction, StatusError, "unknown transaction")
		return
	}
	if tx.Stage.Terminal() {
		s.reject(w, caller, EndpointStartTransaction, StatusError, "transaction is "+string(tx.Stage))
		return
	}

	savedPath, saveErr := saveAttachment(r.MultipartForm, tx.SaveFolder)
	if _, err := txs.SetStage(models.Inbound, id, models.StageCompleted); err != nil {
		s.logger.Debug("inbound transaction not completed", zap.String("transaction_id", id), zap.Error(err))
	}

	status := StatusOK
	if saveErr != nil {
		status = StatusError
		s.logger.Warn("incoming file not saved",
			zap.String("transaction_id", id),
			zap.String("folder", tx.SaveFolder),
			zap.Error(saveErr),
		)
	} else {
		s.logger.Info("incoming file saved",
			zap.String("transaction_id", id),
			zap.String("path", savedPath),
		)
	}

	s.options.Events.Emit(events.Event{
		Type:          events.TransactionCompleted,
		TransactionID: id,
		Direction:     models.Inbound,
		Address:       tx.Address,
		SaveFolder:    tx.SaveFolder,
		SavedPath:     savedPath,
		Err:           saveErr,
	})
	writeResponse(w, Response{Status: status})
}

func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, r.URL.Path+" unknown")
}

func (s *Server) reject(w http.ResponseWriter, caller, endpoint, status, reason string) {
	s.logger.Debug("request rejected",
		zap.String("caller", caller),
		zap.String("endpoint", endpoint),
		zap.String("status", status),
		zap.String("reason", reason),
	)
	writeResponse(w, Response{Status: status})
}

// ErrNoAttachment indicates /start-transaction carried no file part.
var ErrNoAttachment = errors.New("network: no file attached")

func saveAttachment(form *multipart.Form, folder string) (string, error) {
	headers := form.File[PartFile]
	if len(headers) == 0 {
		return "", ErrNoAttachment
	}
	header := headers[0]
	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open file part: %w", err)
	}
	defer file.Close()

	return storage.SaveIncoming(folder, header.Filename, file)
}

// sidecarTransactionID reads the id from the "json" part, sent either as a
// file part or as a plain form value.
func sidecarTransactionID(form *multipart.Form) (string, error) {
	var raw []byte
	if headers := form.File[PartSidecar]; len(headers) > 0 {
		part, err := headers[0].Open()
		if err != nil {
			return "", err
		}
		defer part.Close()
		raw, err = io.ReadAll(io.LimitReader(part, MaxResponseSize))
		if err != nil {
			return "", err
		}
	} else if values := form.Value[PartSidecar]; len(values) > 0 {
		raw = []byte(values[0])
	} else {
		return "", errors.New("missing json part")
	}

	var ref TransactionRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("decode sidecar: %w", err)
	}
	return ref.TransactionID, nil
}

func decodeBody(body io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(body, MaxResponseSize))
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("caller", r.RemoteAddr),
		)
	})
}
