package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/af-corp/companion-gateway/internal/config"
)

const (
	redisCertsKey   = "companion:identity:certs"
	defaultCertsTTL = time.Hour
)

// KeySource resolves a token's kid to the RSA key that signed it.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// cachedCerts is the shape shared through Redis between gateway instances.
type cachedCerts struct {
	ExpiresAt time.Time         `json:"expires_at"`
	Certs     map[string]string `json:"certs"`
}

// CertSource fetches Google's x509 signing certificates and caches them until
// the Cache-Control max-age runs out. Redis, when set, shares the fetched set
// across instances.
type CertSource struct {
	cfg    func() config.IdentityConfig
	client *http.Client
	redis  *redis.Client
	group  singleflight.Group
	now    func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// NewCertSource creates a certificate source. rdb may be nil.
func NewCertSource(cfg func() config.IdentityConfig, client *http.Client, rdb *redis.Client) *CertSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &CertSource{cfg: cfg, client: client, redis: rdb, now: time.Now}
}

func (s *CertSource) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	fresh := s.now().Before(s.expiresAt)
	key, ok := s.keys[kid]
	s.mu.RUnlock()

	if fresh {
		if !ok {
			return nil, ErrUnknownKey
		}
		return key, nil
	}

	// The refresh is shared by every waiting caller, so it must outlive the
	// request that happened to start it. FetchTimeout still bounds it.
	_, err, _ := s.group.Do("certs", func() (interface{}, error) {
		return nil, s.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}

	s.mu.RLock()
	key, ok = s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

func (s *CertSource) refresh(ctx context.Context) error {
	if cached, ok := s.loadShared(ctx); ok {
		return s.install(cached)
	}

	cfg := s.cfg()
	fetchCtx := ctx
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, cfg.CertsURL, nil)
	if err != nil {
		return fmt.Errorf("create certs request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch certs: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read certs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("certs endpoint returned status %d", resp.StatusCode)
	}

	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return fmt.Errorf("unmarshal certs: %w", err)
	}

	cached := cachedCerts{
		ExpiresAt: s.now().Add(maxAge(resp.Header.Get("Cache-Control"))),
		Certs:     certs,
	}
	if err := s.install(cached); err != nil {
		return err
	}
	s.storeShared(ctx, cached)
	return nil
}

func (s *CertSource) install(c cachedCerts) error {
	keys := make(map[string]*rsa.PublicKey, len(c.Certs))
	for kid, pemData := range c.Certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
		if err != nil {
			return fmt.Errorf("parse cert %s: %w", kid, err)
		}
		keys[kid] = key
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = c.ExpiresAt
	s.mu.Unlock()

	slog.Debug("identity certificates installed", "count", len(keys), "expires_at", c.ExpiresAt)
	return nil
}

func (s *CertSource) loadShared(ctx context.Context) (cachedCerts, bool) {
	if s.redis == nil {
		return cachedCerts{}, false
	}
	data, err := s.redis.Get(ctx, redisCertsKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis certs lookup failed", "error", err)
		}
		return cachedCerts{}, false
	}
	var c cachedCerts
	if err := json.Unmarshal(data, &c); err != nil || !s.now().Before(c.ExpiresAt) {
		return cachedCerts{}, false
	}
	return c, true
}

func (s *CertSource) storeShared(ctx context.Context, c cachedCerts) {
	if s.redis == nil {
		return
	}
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, redisCertsKey, data, ttl).Err(); err != nil {
		slog.Warn("redis certs store failed", "error", err)
	}
}

// maxAge extracts max-age from a Cache-Control header, defaulting to an hour.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultCertsTTL
}
