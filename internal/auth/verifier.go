package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"

	"github.com/helioslabs/ctxd/models"
)

/*
	Bearer credential verification. Tokens are EdDSA JWTs; the public
	keys come from a fetched key-set document, cached with a TTL so a
	busy service does not hammer the source. When a token references a
	key we do not hold, or a cached key fails to verify it, the set is
	refetched once before the credential is declared invalid - that is
	what tolerates key rotation.
*/

type KeySetDocument struct {
	Keys []KeySetEntry `json:"keys"`
}

type KeySetEntry struct {
	KID       string `json:"kid"`
	Alg       string `json:"alg"`
	PublicKey string `json:"public_key"` // base64 raw ed25519 public key
}

type Config struct {
	KeySetURL    string
	CacheTTL     time.Duration
	FetchTimeout time.Duration

	// StaticKeys bypasses fetching entirely; used for tests and
	// single-tenant deployments that ship the key in config.
	StaticKeys map[string]ed25519.PublicKey
}

type Verifier struct {
	logger *slog.Logger
	cfg    Config

	httpClient *http.Client
	keyCache   *ttlcache.Cache[string, ed25519.PublicKey]

	// Serializes refetches so a burst of unknown-kid tokens causes one
	// fetch, not one per request.
	fetchMu sync.Mutex
}

func NewVerifier(logger *slog.Logger, cfg Config) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}

	keyCache := ttlcache.New[string, ed25519.PublicKey](
		ttlcache.WithTTL[string, ed25519.PublicKey](cfg.CacheTTL),

		// Keys must age out on schedule regardless of read traffic so
		// rotation is picked up without a verification failure first.
		ttlcache.WithDisableTouchOnHit[string, ed25519.PublicKey](),
	)
	go keyCache.Start()

	return &Verifier{
		logger:     logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		keyCache:   keyCache,
	}
}

func (v *Verifier) Stop() {
	v.keyCache.Stop()
}

// Verify checks a bearer token and resolves it to a principal plus the
// credential's expiry. Expired and invalid credentials return distinct
// errors; callers map them to distinct close codes.
func (v *Verifier) Verify(ctx context.Context, token string) (models.Principal, time.Time, error) {
	if token == "" {
		return models.Principal{}, time.Time{}, ErrTokenMissing
	}

	principal, expiry, err := v.verifyOnce(ctx, token, false)
	if err == nil {
		return principal, expiry, nil
	}
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrKeySetUnavailable) {
		return models.Principal{}, time.Time{}, err
	}

	// Could be rotation: refetch the key set and try once more.
	principal, expiry, retryErr := v.verifyOnce(ctx, token, true)
	if retryErr == nil {
		return principal, expiry, nil
	}
	if errors.Is(retryErr, ErrKeySetUnavailable) {
		return models.Principal{}, time.Time{}, retryErr
	}
	return models.Principal{}, time.Time{}, retryErr
}

func (v *Verifier) verifyOnce(ctx context.Context, token string, forceRefresh bool) (models.Principal, time.Time, error) {
	var keyErr error
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		key, lookupErr := v.lookupKey(ctx, kid, forceRefresh)
		if lookupErr != nil {
			keyErr = lookupErr
			return nil, lookupErr
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(keyErr, ErrKeySetUnavailable) {
			return models.Principal{}, time.Time{}, ErrKeySetUnavailable
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Principal{}, time.Time{}, ErrTokenExpired
		}
		return models.Principal{}, time.Time{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return models.Principal{}, time.Time{}, ErrTokenInvalid
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return models.Principal{}, time.Time{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = models.RoleViewer
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return models.Principal{}, time.Time{}, fmt.Errorf("%w: missing expiry", ErrTokenInvalid)
	}

	extra := make(map[string]any)
	for k, val := range claims {
		switch k {
		case "sub", "role", "exp", "iat", "nbf":
		default:
			extra[k] = val
		}
	}

	return models.Principal{
		UserID: sub,
		Role:   role,
		Claims: extra,
	}, exp.Time, nil
}

func (v *Verifier) lookupKey(ctx context.Context, kid string, forceRefresh bool) (ed25519.PublicKey, error) {
	if key, ok := v.cfg.StaticKeys[kid]; ok {
		return key, nil
	}

	if !forceRefresh {
		if item := v.keyCache.Get(kid); item != nil {
			return item.Value(), nil
		}
	}

	if v.cfg.KeySetURL == "" {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrTokenInvalid, kid)
	}

	if err := v.refreshKeySet(ctx); err != nil {
		return nil, err
	}

	if item := v.keyCache.Get(kid); item != nil {
		return item.Value(), nil
	}
	return nil, fmt.Errorf("%w: unknown kid %q", ErrTokenInvalid, kid)
}

func (v *Verifier) refreshKeySet(ctx context.Context) error {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.KeySetURL, nil)
	if err != nil {
		return errors.Wrap(ErrKeySetUnavailable, err.Error())
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Error("key set fetch failed", "url", v.cfg.KeySetURL, "error", err)
		return errors.Wrap(ErrKeySetUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Error("key set fetch returned non-200", "url", v.cfg.KeySetURL, "status", resp.StatusCode)
		return errors.Wrapf(ErrKeySetUnavailable, "status %d", resp.StatusCode)
	}

	var doc KeySetDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return errors.Wrap(ErrKeySetUnavailable, err.Error())
	}

	loaded := 0
	for _, entry := range doc.Keys {
		if entry.Alg != "" && entry.Alg != "EdDSA" {
			v.logger.Warn("skipping key with unsupported alg", "kid", entry.KID, "alg", entry.Alg)
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			v.logger.Warn("skipping malformed key in key set", "kid", entry.KID)
			continue
		}
		v.keyCache.Set(entry.KID, ed25519.PublicKey(raw), ttlcache.DefaultTTL)
		loaded++
	}

	v.logger.Debug("key set refreshed", "keys", loaded)
	return nil
}
