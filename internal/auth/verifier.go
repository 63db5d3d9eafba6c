package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/af-corp/companion-gateway/internal/config"
)

var (
	// ErrMissingToken is returned for an empty bearer token.
	ErrMissingToken = errors.New("missing identity token")

	// ErrInvalidToken is returned when the token fails any structural, signature or claim check.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrTokenExpired is returned when the token's exp lies in the past.
	ErrTokenExpired = errors.New("identity token expired")

	// ErrUnknownKey is returned when the token's kid matches no current signing certificate.
	ErrUnknownKey = errors.New("identity token signed with unknown key")

	// ErrKeysUnavailable is returned when the signing certificates cannot be loaded.
	ErrKeysUnavailable = errors.New("identity signing keys unavailable")
)

const maxUIDLength = 128

// Verifier checks a bearer identity token and returns the principal behind it.
type Verifier interface {
	Verify(ctx context.Context, token string) (*AuthInfo, error)
}

// IsTokenError reports whether err is the caller's token being rejected, as
// opposed to the verifier itself failing.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrUnknownKey)
}

// FailureReason maps a verification error onto a short metric label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, ErrKeysUnavailable):
		return "keys_unavailable"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}

type firebaseClaims struct {
	jwt.RegisteredClaims
	AuthTime      int64  `json:"auth_time"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// FirebaseVerifier verifies Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	cfg  func() config.IdentityConfig
	keys KeySource
	now  func() time.Time
}

func NewFirebaseVerifier(cfg func() config.IdentityConfig, keys KeySource) *FirebaseVerifier {
	return &FirebaseVerifier{cfg: cfg, keys: keys, now: time.Now}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	cfg := v.cfg()
	if cfg.ProjectID == "" {
		return nil, errors.New("identity project id not configured")
	}

	var claims firebaseClaims
	var parser *jwt.Parser
	var keyFunc jwt.Keyfunc

	if cfg.Emulator {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"none"}), jwt.WithoutClaimsValidation())
		keyFunc = func(*jwt.Token) (interface{}, error) {
			return jwt.UnsafeAllowNoneSignatureType, nil
		}
	} else {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("%w: no kid header", ErrInvalidToken)
			}
			return v.keys.PublicKey(ctx, kid)
		}
	}

	if _, err := parser.ParseWithClaims(token, &claims, keyFunc); err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey), errors.Is(err, ErrKeysUnavailable), errors.Is(err, ErrInvalidToken):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if err := v.checkClaims(&claims, cfg); err != nil {
		return nil, err
	}

	info := &AuthInfo{
		UID:            claims.Subject,
		Email:          claims.Email,
		SignInProvider: claims.Firebase.SignInProvider,
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

func (v *FirebaseVerifier) checkClaims(c *firebaseClaims, cfg config.IdentityConfig) error {
	now := v.now()
	skew := cfg.ClockSkew

	if !c.VerifyAudience(cfg.ProjectID, true) {
		return fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if !c.VerifyIssuer("https://securetoken.google.com/"+cfg.ProjectID, true) {
		return fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if c.Subject == "" || len(c.Subject) > maxUIDLength {
		return fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if c.ExpiresAt == nil {
		return fmt.Errorf("%w: no exp claim", ErrInvalidToken)
	}
	if !now.Before(c.ExpiresAt.Time.Add(skew)) {
		return ErrTokenExpired
	}
	if c.IssuedAt == nil || c.IssuedAt.Time.After(now.Add(skew)) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	if c.AuthTime == 0 || time.Unix(c.AuthTime, 0).After(now.Add(skew)) {
		return fmt.Errorf("%w: bad auth_time", ErrInvalidToken)
	}
	return nil
}
