// Package auth implements the token authenticator and identity registry for
// transmitters: it binds a (host, identifier) pair to an AuthenticatedClient
// record and issues the opaque challenge token that every subsequent frame
// datagram must carry.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/width"

	"crypto/sha256"
	"encoding/hex"
)

// ErrNotFound is returned by Resolve when no client is registered under the
// given token.
var ErrNotFound = errors.New("auth: token not found")

// ErrTokenExhausted is returned when Register cannot find a free token after
// a bounded number of collision retries.
var ErrTokenExhausted = errors.New("auth: unable to allocate a unique token")

const (
	// DefaultAlphabet is the digits-only challenge-token alphabet used when a
	// numeric-only token is not explicitly required by the deployment.
	DefaultAlphabet = "0123456789"
	// DefaultTokenLength matches the 8-digit token used throughout §6/§8 of
	// the wire protocol and scenario S1.
	DefaultTokenLength = 8

	tokenRetryAttempts = 8
	pbkdf2Iterations   = 4096
	pbkdf2KeyLen       = 16
)

// Client is one record per (host, identifier) transmitter. Per the design
// notes, it never holds a pointer back to its Frame Cache — that would form
// a client↔cache reference cycle. Consumers look the cache up in the Feed
// Cache Registry by the client's ID instead.
type Client struct {
	Host       string
	Identifier string
	ID         string
	Token      string
	CreatedAt  time.Time

	mu          sync.Mutex
	lastFrameAt time.Time
}

// Touch advances the client's last-frame timestamp, never moving it backward.
func (c *Client) Touch(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastFrameAt) {
		c.lastFrameAt = t
	}
}

// LastFrameAt returns the most recent frame-arrival timestamp observed for
// this client.
func (c *Client) LastFrameAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrameAt
}

type pairKey struct {
	host       string
	identifier string
}

// Config controls token generation and optional expiry.
type Config struct {
	// Alphabet is the set of runes challenge tokens are drawn from.
	Alphabet string
	// TokenLength is the number of runes in a generated token.
	TokenLength int
	// TTL, when non-zero, bounds how long a token remains valid before the
	// sweep goroutine is permitted to evict it (subject to DrainPredicate).
	TTL time.Duration
	// Now overrides the clock, primarily for tests.
	Now func() time.Time
}

// Authenticator is the sole allocator of Client records; it owns the
// concurrency envelope around the client set and keeps the by-pair and
// by-token indices consistent with each other.
type Authenticator struct {
	mu         sync.RWMutex
	byPair     map[pairKey]*Client
	byToken    map[string]*Client
	byClientID map[string]*Client

	alphabet    string
	tokenLength int
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger

	salt    []byte
	counter atomic.Uint64

	drainMu   sync.Mutex
	isDrained func(clientID string) bool

	evictMu   sync.Mutex
	onEvicted func(client *Client)
}

// New constructs an Authenticator. logger may be nil.
func New(cfg Config, logger *slog.Logger) (*Authenticator, error) {
	alphabet := cfg.Alphabet
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}
	length := cfg.TokenLength
	if length <= 0 {
		length = DefaultTokenLength
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: seed salt: %w", err)
	}
	return &Authenticator{
		byPair:      make(map[pairKey]*Client),
		byToken:     make(map[string]*Client),
		byClientID:  make(map[string]*Client),
		alphabet:    alphabet,
		tokenLength: length,
		ttl:         cfg.TTL,
		now:         now,
		logger:      logger,
		salt:        salt,
	}, nil
}

// SetDrainPredicate installs the callback the sweep pass uses to decide
// whether an expired client's Storage Flusher state has reached Closed. When
// unset, TTL expiry alone is sufficient to evict.
func (a *Authenticator) SetDrainPredicate(fn func(clientID string) bool) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()
	a.isDrained = fn
}

// OnEvicted registers a callback invoked, outside any lock, after a client
// has been removed from both indices — used to drop the client's entry from
// the Feed Cache Registry in lockstep with authentication state.
func (a *Authenticator) OnEvicted(fn func(client *Client)) {
	a.evictMu.Lock()
	defer a.evictMu.Unlock()
	a.onEvicted = fn
}

func (a *Authenticator) drained(clientID string) bool {
	a.drainMu.Lock()
	fn := a.isDrained
	a.drainMu.Unlock()
	if fn == nil {
		return true
	}
	return fn(clientID)
}

// Register returns the existing record for (host, identifier) or creates and
// installs a new one, serialising concurrent creation so racing callers
// observe one canonical record.
func (a *Authenticator) Register(host, identifier string) (*Client, error) {
	normalizedID := width.Fold.String(identifier)
	key := pairKey{host: host, identifier: normalizedID}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byPair[key]; ok {
		return existing, nil
	}

	token, err := a.allocateTokenLocked()
	if err != nil {
		return nil, err
	}

	createdAt := a.now()
	client := &Client{
		Host:        host,
		Identifier:  normalizedID,
		ID:          a.deriveClientID(host, normalizedID),
		Token:       token,
		CreatedAt:   createdAt,
		lastFrameAt: createdAt,
	}
	a.byPair[key] = client
	a.byToken[token] = client
	a.byClientID[client.ID] = client
	if a.logger != nil {
		a.logger.Info("registered client", "host", host, "identifier", normalizedID, "client_id", client.ID)
	}
	return client, nil
}

func (a *Authenticator) allocateTokenLocked() (string, error) {
	for attempt := 0; attempt < tokenRetryAttempts; attempt++ {
		token, err := randomToken(a.alphabet, a.tokenLength)
		if err != nil {
			return "", err
		}
		if _, taken := a.byToken[token]; !taken {
			return token, nil
		}
	}
	return "", ErrTokenExhausted
}

func (a *Authenticator) deriveClientID(host, identifier string) string {
	nonce := a.counter.Add(1)
	password := fmt.Appendf(nil, "%s\x00%s\x00%d", host, identifier, nonce)
	derived := pbkdf2.Key(password, a.salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(derived)
}

// Resolve looks a client up by its challenge token.
func (a *Authenticator) Resolve(token string) (*Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	client, ok := a.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return client, nil
}

// Evict removes a client from every index. It is a no-op if the client is
// already gone.
func (a *Authenticator) Evict(client *Client) {
	if client == nil {
		return
	}
	a.mu.Lock()
	_, existed := a.byToken[client.Token]
	delete(a.byToken, client.Token)
	delete(a.byPair, pairKey{host: client.Host, identifier: client.Identifier})
	delete(a.byClientID, client.ID)
	a.mu.Unlock()

	if !existed {
		return
	}
	a.evictMu.Lock()
	fn := a.onEvicted
	a.evictMu.Unlock()
	if fn != nil {
		fn(client)
	}
}

// EvictByClientID evicts the client owning clientID, for callers (the
// Storage Flusher's OnClosed hook) that never held a *Client to begin with.
// This is the mandatory removal path from §3: a client is evicted as soon as
// its stream has timed out AND its Storage Flusher has drained its cache,
// independent of whether a token TTL is configured at all. It reports
// whether a client was found and evicted.
func (a *Authenticator) EvictByClientID(clientID string) bool {
	a.mu.RLock()
	client, ok := a.byClientID[clientID]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	a.Evict(client)
	return true
}

// Len reports the number of currently live clients, for /readyz reporting.
func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byPair)
}

// PurgeExpired implements the sessionPurger-style contract consumed by the
// ticker-driven sweep worker. It is an optional, TTL-bounded backstop
// (§9 open question) on top of the mandatory EvictByClientID path: a client
// whose token has outlived TTL is evicted once its Storage Flusher state has
// also reached Closed. It is a no-op when no TTL is configured.
func (a *Authenticator) PurgeExpired() error {
	if a.ttl <= 0 {
		return nil
	}
	cutoff := a.now().Add(-a.ttl)

	a.mu.Lock()
	var expired []*Client
	for _, client := range a.byPair {
		if client.CreatedAt.Before(cutoff) {
			expired = append(expired, client)
		}
	}
	a.mu.Unlock()

	for _, client := range expired {
		if !a.drained(client.ID) {
			continue
		}
		a.Evict(client)
		if a.logger != nil {
			a.logger.Info("evicted expired client", "client_id", client.ID, "identifier", client.Identifier)
		}
	}
	return nil
}

func randomToken(alphabet string, length int) (string, error) {
	runes := []rune(alphabet)
	if len(runes) == 0 {
		return "", errors.New("auth: token alphabet must not be empty")
	}
	out := make([]rune, length)
	max := big.NewInt(int64(len(runes)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = runes[n.Int64()]
	}
	return string(out), nil
}
