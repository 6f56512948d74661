package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fileswoosh/crypto"
	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/netinfo"
	"fileswoosh/storage"
)

// UploadWrapper may wrap the file reader streamed by StartTransaction, for
// example to report progress.
type UploadWrapper func(tx models.Transaction, size int64, r io.Reader) io.Reader

// ClientOptions configures a Client.
type ClientOptions struct {
	Port     int
	Timeout  time.Duration
	Hostname string
	Username string

	Interfaces   netinfo.Interfaces
	Peers        *storage.Peers
	Transactions *storage.Transactions
	Scopes       *ScopeCache
	Events       *events.Bus
	Logger       *zap.Logger

	WrapUpload UploadWrapper
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultRequestTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Scopes == nil {
		out.Scopes = NewScopeCache()
	}
	return out
}

func (o ClientOptions) validate() error {
	if o.Peers == nil || o.Transactions == nil {
		return errors.New("network: client requires peer and transaction stores")
	}
	if o.Interfaces == nil {
		return errors.New("network: client requires an interfaces provider")
	}
	return nil
}

// Attachment is a file streamed with a call. Call takes ownership of Reader
// and closes it exactly once.
type Attachment struct {
	Name   string
	Size   int64
	Reader io.ReadCloser
}

// Client issues protocol calls to peers.
type Client struct {
	options ClientOptions
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client whose TLS connections skip certificate
// verification and bypass any proxy configured in the environment.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return &idleTimeoutConn{Conn: conn, timeout: opts.Timeout}, nil
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		TLSClientConfig:       crypto.ClientTLSConfig(),
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   2,
	}

	return &Client{
		options: opts,
		http:    &http.Client{Transport: transport},
		logger:  opts.Logger,
	}, nil
}

// idleTimeoutConn fails a read or write once the connection has been silent
// in both directions for longer than timeout. A long upload keeps extending
// the deadline; a peer that stops reading or answering does not.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleTimeoutConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// Scopes returns the link-local scope cache consulted before every call.
func (c *Client) Scopes() *ScopeCache {
	return c.options.Scopes
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Call POSTs body to endpoint on address. With an attachment the request is
// multipart: body travels as the "json" part and the file as the "file" part.
// Every failure is returned as *TransportError.
func (c *Client) Call(ctx context.Context, address, endpoint string, body any, attachment *Attachment) (Response, error) {
	var closeOnce sync.Once
	closeAttachment := func() {
		if attachment != nil && attachment.Reader != nil {
			closeOnce.Do(func() { _ = attachment.Reader.Close() })
		}
	}
	defer closeAttachment()

	target := c.options.Scopes.Resolve(address)
	url := EndpointURL(target, c.options.Port, endpoint)

	var (
		reqBody     io.Reader
		contentType string
		writerDone  chan struct{}
		pipeReader  *io.PipeReader
	)
	if attachment == nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Response{}, c.fail(address, endpoint, fmt.Errorf("encode request: %w", err))
		}
		reqBody = bytes.NewReader(payload)
		contentType = "application/json"
	} else {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		pipeReader = pr
		reqBody = pr
		contentType = mw.FormDataContentType()
		writerDone = make(chan struct{})

		go func() {
			defer close(writerDone)
			err := writeMultipart(mw, body, attachment)
			if err == nil {
				err = mw.Close()
			}
			_ = pw.CloseWithError(err)
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		if pipeReader != nil {
			_ = pipeReader.Close()
			<-writerDone
		}
		return Response{}, c.fail(address, endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if pipeReader != nil {
		_ = pipeReader.Close()
		<-writerDone
	}
	if err != nil {
		return Response{}, c.fail(address, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return Response{}, c.fail(address, endpoint, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}
	out, err := DecodeResponse(resp.Body)
	if err != nil {
		return Response{}, c.fail(address, endpoint, err)
	}

	c.logger.Debug("peer call completed",
		zap.String("address", address),
		zap.String("endpoint", endpoint),
		zap.String("status", out.Status),
	)
	return out, nil
}

func writeMultipart(mw *multipart.Writer, sidecar any, attachment *Attachment) error {
	if sidecar != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, PartSidecar, PartSidecar))
		header.Set("Content-Type", "application/json")
		part, err := mw.CreatePart(header)
		if err != nil {
			return err
		}
		if err := json.NewEncoder(part).Encode(sidecar); err != nil {
			return fmt.Errorf("encode sidecar: %w", err)
		}
	}

	if attachment.Reader == nil {
		return nil
	}
	part, err := mw.CreateFormFile(PartFile, attachment.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, attachment.Reader); err != nil {
		return fmt.Errorf("stream attachment: %w", err)
	}
	return nil
}

func (c *Client) fail(address, endpoint string, err error) error {
	c.logger.Warn("peer call failed",
		zap.String("address", address),
		zap.String("endpoint", endpoint),
		zap.Error(err),
	)
	return &TransportError{Address: address, Endpoint: endpoint, Err: err}
}

// Connect announces this host's address, hostname and username to address.
func (c *Client) Connect(ctx context.Context, address string) error {
	self, err := c.options.Interfaces.DefaultAddress()
	if err != nil {
		c.logger.Debug("default address unavailable", zap.Error(err))
	}
	_, err = c.Call(ctx, address, EndpointConnect, ConnectRequest{
		Address:  self,
		Hostname: c.options.Hostname,
		Username: c.options.Username,
	}, nil)
	return err
}

// RequestTransaction offers filePath to address and records the outbound
// transaction under the id the peer returns.
func (c *Client) RequestTransaction(ctx context.Context, address, filePath string) (models.Transaction, error) {
	filePath = storage.CleanFilePath(filePath)
	if c.options.Peers.IsBusy(address, c.options.Transactions) {
		c.logger.Warn("requesting transaction from busy peer", zap.String("address", address))
	}

	resp, err := c.Call(ctx, address, EndpointRequestTransaction, TransactionRequest{
		Hostname: c.options.Hostname,
		Username: c.options.Username,
		Filename: filepath.Base(filePath),
	}, nil)
	if err != nil {
		return models.Transaction{}, err
	}
	if resp.TransactionID == "" {
		return models.Transaction{}, fmt.Errorf("request transaction from %s: %w (status %q)", address, ErrRejected, resp.Status)
	}

	tx, err := c.options.Transactions.CreateOutbound(resp.TransactionID, address, filePath)
	if err != nil {
		return models.Transaction{}, err
	}
	c.logger.Info("transaction requested",
		zap.String("transaction_id", tx.ID),
		zap.String("address", address),
		zap.String("file", filePath),
	)
	return tx, nil
}

// ConfirmTransaction accepts an inbound transaction. A non-empty saveFolder
// replaces the transaction's destination and becomes the new default.
func (c *Client) ConfirmTransaction(ctx context.Context, id, saveFolder string) (models.Transaction, error) {
	txs := c.options.Transactions
	tx, ok := txs.Get(models.Inbound, id)
	if !ok {
		return models.Transaction{}, fmt.Errorf("confirm inbound transaction %q: %w", id, storage.ErrNotFound)
	}
	if tx.Stage != models.StageRequested {
		return tx, fmt.Errorf("confirm inbound transaction %q in stage %s: %w", id, tx.Stage, storage.ErrInvalidTransition)
	}

	if saveFolder = strings.TrimSpace(saveFolder); saveFolder != "" {
		updated, err := txs.SetSaveFolder(id, saveFolder)
		if err != nil {
			return updated, err
		}
		txs.SetDefaultSaveFolder(saveFolder)
		tx = updated
	}

	resp, err := c.Call(ctx, tx.Address, EndpointConfirmTransaction, TransactionRef{TransactionID: id}, nil)
	if err != nil {
		return tx, err
	}
	if resp.TransactionID == "" {
		return tx, fmt.Errorf("confirm transaction %q: %w (status %q)", id, ErrRejected, resp.Status)
	}

	// The sender may already have streamed the file by now; completed wins.
	if updated, err := txs.SetStage(models.Inbound, id, models.StageConfirmed); err == nil {
		tx = updated
	} else if current, ok := txs.Get(models.Inbound, id); ok {
		tx = current
	}
	return tx, nil
}

// CancelTransaction declines an inbound transaction. The local stage becomes
// canceled whatever the outcome of the call.
func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	txs := c.options.Transactions
	tx, ok := txs.Get(models.Inbound, id)
	if !ok {
		return fmt.Errorf("cancel inbound transaction %q: %w", id, storage.ErrNotFound)
	}

	resp, callErr := c.Call(ctx, tx.Address, EndpointCancelTransaction, TransactionRef{TransactionID: id}, nil)
	if callErr == nil && resp.Status != StatusOK {
		c.logger.Debug("peer did not cancel transaction",
			zap.String("transaction_id", id),
			zap.String("status", resp.Status),
		)
	}

	if _, err := txs.SetStage(models.Inbound, id, models.StageCanceled); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return errors.Join(callErr, err)
		}
		return err
	}
	c.options.Events.Emit(events.Event{
		Type:          events.TransactionCanceled,
		TransactionID: id,
		Direction:     models.Inbound,
		Address:       tx.Address,
	})
	return callErr
}

// StartTransaction streams the file of a confirmed outbound transaction. It
// returns ErrStageNotConfirmed, without any call or state change, for every
// other stage. Once the call returns the transaction is completed.
func (c *Client) StartTransaction(ctx context.Context, id string) error {
	txs := c.options.Transactions
	tx, ok := txs.Get(models.Outbound, id)
	if !ok {
		return fmt.Errorf("start outbound transaction %q: %w", id, storage.ErrNotFound)
	}
	if tx.Stage != models.StageConfirmed {
		c.logger.Debug("start skipped",
			zap.String("transaction_id", id),
			zap.String("stage", string(tx.Stage)),
		)
		return fmt.Errorf("start outbound transaction %q in stage %s: %w", id, tx.Stage, ErrStageNotConfirmed)
	}

	attachment, openErr := c.openAttachment(tx)
	if openErr != nil {
		c.logger.Warn("open outgoing file failed",
			zap.String("transaction_id", id),
			zap.String("file", tx.FilePath),
			zap.Error(openErr),
		)
	}

	resp, callErr := c.Call(ctx, tx.Address, EndpointStartTransaction, TransactionRef{TransactionID: id}, attachment)
	if callErr == nil && resp.Status != StatusOK {
		callErr = fmt.Errorf("start transaction %q: %w (status %q)", id, ErrRejected, resp.Status)
	}

	if _, err := txs.SetStage(models.Outbound, id, models.StageCompleted); err != nil {
		c.logger.Debug("outbound transaction not completed", zap.String("transaction_id", id), zap.Error(err))
	}
	result := errors.Join(openErr, callErr)
	c.options.Events.Emit(events.Event{
		Type:          events.TransactionCompleted,
		TransactionID: id,
		Direction:     models.Outbound,
		Address:       tx.Address,
		FileName:      filepath.Base(tx.FilePath),
		Err:           result,
	})
	return result
}

// openAttachment opens the outgoing file. When that fails the call still
// carries the sidecar so the receiver can finish the transaction.
func (c *Client) openAttachment(tx models.Transaction) (*Attachment, error) {
	file, err := os.Open(tx.FilePath)
	if err != nil {
		return &Attachment{Name: filepath.Base(tx.FilePath)}, err
	}
	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}

	attachment := &Attachment{Name: filepath.Base(tx.FilePath), Size: size, Reader: file}
	if c.options.WrapUpload != nil {
		attachment.Reader = wrappedReadCloser{
			Reader: c.options.WrapUpload(tx, size, file),
			Closer: file,
		}
	}
	return attachment, nil
}

type wrappedReadCloser struct {
	io.Reader
	io.Closer
}
