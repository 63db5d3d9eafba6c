package auth

import (
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/af-corp/companion-gateway/internal/config"
)

var (
	defaultOnce     sync.Once
	defaultVerifier *FirebaseVerifier
)

// Default returns the process-wide identity verifier, creating it on the
// first call. Later calls return the same instance and ignore their arguments.
func Default(cfg func() config.IdentityConfig, rdb *redis.Client) *FirebaseVerifier {
	defaultOnce.Do(func() {
		client := &http.Client{Timeout: cfg().FetchTimeout}
		defaultVerifier = NewFirebaseVerifier(cfg, NewCertSource(cfg, client, rdb))
	})
	return defaultVerifier
}
