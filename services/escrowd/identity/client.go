package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound reports that an identity has no provisioned settlement address.
var ErrNotFound = errors.New("identity: no settlement address")

// Resolver maps a party identity (phone number) to its settlement address.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (common.Address, error)
}

// Normalize trims an identity and strips common phone punctuation so the same
// person always maps to the same key.
func Normalize(identity string) string {
	trimmed := strings.TrimSpace(identity)
	trimmed = strings.TrimPrefix(trimmed, "whatsapp:")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, trimmed)
}

// Config defines the HTTP client settings for the wallet service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Transport overrides the HTTP round tripper, e.g. for tracing.
	Transport http.RoundTripper
}

// Client resolves identities against the wallet provisioning service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type walletResponse struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout, Transport: cfg.Transport},
	}, nil
}

// Resolve fetches the settlement address for identity. A 404 or an empty
// address yields ErrNotFound.
func (c *Client) Resolve(ctx context.Context, identity string) (common.Address, error) {
	if c == nil {
		return common.Address{}, fmt.Errorf("identity: client not configured")
	}
	key := Normalize(identity)
	if key == "" {
		return common.Address{}, ErrNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/wallets/%s", c.baseURL, url.PathEscape(key)), nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("identity: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return common.Address{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return common.Address{}, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var payload walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return common.Address{}, fmt.Errorf("identity: decode: %w", err)
	}
	if !common.IsHexAddress(payload.Address) {
		return common.Address{}, ErrNotFound
	}
	addr := common.HexToAddress(payload.Address)
	if addr == (common.Address{}) {
		return common.Address{}, ErrNotFound
	}
	return addr, nil
}

// Static is an in-memory resolver populated from configuration.
type Static struct {
	mu      sync.RWMutex
	wallets map[string]common.Address
}

// NewStatic builds a resolver from identity → hex address pairs.
func NewStatic(entries map[string]string) (*Static, error) {
	s := &Static{wallets: make(map[string]common.Address, len(entries))}
	for identity, hexAddr := range entries {
		if !common.IsHexAddress(hexAddr) {
			return nil, fmt.Errorf("identity: invalid address for %s", identity)
		}
		s.wallets[Normalize(identity)] = common.HexToAddress(hexAddr)
	}
	return s, nil
}

// Set provisions or replaces the address for identity.
func (s *Static) Set(identity string, addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[Normalize(identity)] = addr
}

func (s *Static) Resolve(_ context.Context, identity string) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.wallets[Normalize(identity)]
	if !ok {
		return common.Address{}, ErrNotFound
	}
	return addr, nil
}
