package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultPort is the fixed TCP port every peer listens on, picked from
	// the dynamic range and not claimed by any known service.
	DefaultPort = 56934
	// DefaultRequestTimeout bounds connect, TLS handshake and every silent
	// stretch of a call.
	DefaultRequestTimeout = 30 * time.Second
	// MaxResponseSize caps the JSON body accepted from a peer.
	MaxResponseSize = 1 << 20
	// MaxMemoryMultipart is held in memory before multipart parts spill to disk.
	MaxMemoryMultipart = 32 << 20
)

const (
	EndpointConnect            = "/connect"
	EndpointRequestTransaction = "/request-transaction"
	EndpointConfirmTransaction = "/confirm-transaction"
	EndpointCancelTransaction  = "/cancel-transaction"
	EndpointStartTransaction   = "/start-transaction"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

// Multipart part names used by /start-transaction.
const (
	PartFile    = "file"
	PartSidecar = "json"
)

var (
	// ErrStageNotConfirmed indicates a start was attempted before the receiver confirmed.
	ErrStageNotConfirmed = errors.New("network: transaction is not confirmed")
	// ErrRejected indicates the peer answered with a non-ok status.
	ErrRejected = errors.New("network: request rejected by peer")
	// ErrUnexpectedStatus indicates a non-200 HTTP response.
	ErrUnexpectedStatus = errors.New("network: unexpected HTTP status")
)

// ConnectRequest announces this host to a peer.
type ConnectRequest struct {
	Address  string `json:"address"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
}

// TransactionRequest asks a peer to accept a file.
type TransactionRequest struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Filename string `json:"file_name"`
}

// TransactionRef names a transaction by id. It is the body of confirm and
// cancel and the sidecar of start.
type TransactionRef struct {
	TransactionID string `json:"transaction_id"`
}

// Response is the JSON body of every protocol endpoint.
type Response struct {
	Status        string `json:"status,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// TransportError describes a failed call to a peer: connection, TLS or
// timeout failures, non-200 responses and malformed bodies alike.
type TransportError struct {
	Address  string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call %s%s: %v", e.Address, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeResponse reads one JSON object from r.
func DecodeResponse(r io.Reader) (Response, error) {
	var out Response
	decoder := json.NewDecoder(io.LimitReader(r, MaxResponseSize))
	if err := decoder.Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// NormalizeCallerAddress extracts the host from an http.Request RemoteAddr
// and unwraps IPv4-mapped IPv6 addresses. The zone of a link-local caller is
// returned separately so the address itself can be used as a peer key.
func NormalizeCallerAddress(remoteAddr string) (address, zone string) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		host = strings.TrimPrefix(host, "::ffff:")
		if i := strings.IndexByte(host, '%'); i >= 0 {
			return host[:i], host[i+1:]
		}
		return host, ""
	}
	zone = addr.Zone()
	return addr.WithZone("").Unmap().String(), zone
}

// EndpointURL builds the https URL of endpoint on address. IPv6 literals are
// bracketed and their zone is percent-encoded.
func EndpointURL(address string, port int, endpoint string) string {
	host := address
	if addr, err := netip.ParseAddr(address); err == nil && addr.Is6() && !addr.Is4In6() {
		host = "[" + strings.Replace(addr.String(), "%", "%25", 1) + "]"
	} else if err == nil {
		host = addr.Unmap().String()
	}
	return "https://" + host + ":" + strconv.Itoa(port) + endpoint
}

// ScopeCache maps bare IPv6 link-local addresses to the zoned form last seen
// on the wire, so that replies leave through the right interface.
type ScopeCache struct {
	mu     sync.RWMutex
	scoped map[string]string
}

// NewScopeCache returns an empty cache.
func NewScopeCache() *ScopeCache {
	return &ScopeCache{scoped: make(map[string]string)}
}

// Remember records the zone of a link-local address. Other addresses are ignored.
func (c *ScopeCache) Remember(address, zone string) {
	if c == nil || zone == "" {
		return
	}
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is6() || !addr.IsLinkLocalUnicast() {
		return
	}
	bare := addr.WithZone("").String()

	c.mu.Lock()
	c.scoped[bare] = addr.WithZone(zone).String()
	c.mu.Unlock()
}

// Resolve returns the zoned form of a bare link-local address when one is
// cached, and address unchanged otherwise.
func (c *ScopeCache) Resolve(address string) string {
	if c == nil {
		return address
	}
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is6() || !addr.IsLinkLocalUnicast() || addr.Zone() != "" {
		return address
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if scoped, ok := c.scoped[addr.String()]; ok {
		return scoped
	}
	return address
}
