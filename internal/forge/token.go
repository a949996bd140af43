package forge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// safetyMargin is how much lifetime must remain on a cached installation
// token before it is considered usable without a refresh (spec.md §9
// "Global state").
const safetyMargin = 120 * time.Second

// appJWTLifetime is kept short and refreshed on every mint; GitHub rejects
// app JWTs older than 10 minutes.
const appJWTLifetime = 9 * time.Minute

// TokenSource mints and caches per-installation access tokens for a GitHub
// App. It is process-wide and concurrency-safe: every installation shares
// one mutex on refresh, matching spec.md's "single writer on refresh"
// requirement — contention here is rare (tokens live ~1h) so a single lock
// is simpler than per-installation locks and not a bottleneck.
type TokenSource struct {
	appID      string
	privateKey *rsa.PrivateKey
	apiURL     string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[uint64]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewTokenSource parses a PEM-encoded RSA private key (the GitHub App's
// key, as downloaded from the app settings page) and returns a TokenSource
// that mints installation tokens against apiURL.
func NewTokenSource(appID, pemKey, apiURL string, httpClient *http.Client) (*TokenSource, error) {
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("forge: parse app private key: %w", err)
	}
	return &TokenSource{
		appID:      appID,
		privateKey: key,
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpClient,
		cache:      make(map[uint64]cachedToken),
	}, nil
}

func parsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// Token returns a valid installation access token for installationID,
// minting (and caching) a new one if none is cached or the cached one's
// remaining lifetime has dropped under the safety margin.
func (t *TokenSource) Token(ctx context.Context, installationID uint64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.cache[installationID]; ok && time.Until(cached.expires) > safetyMargin {
		return cached.token, nil
	}

	jwt, err := t.mintAppJWT()
	if err != nil {
		return "", fmt.Errorf("forge: mint app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", t.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("forge: request installation token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("forge: mint installation token: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("forge: decode installation token response: %w", err)
	}

	t.cache[installationID] = cachedToken{token: parsed.Token, expires: parsed.ExpiresAt}
	return parsed.Token, nil
}

// mintAppJWT builds and signs a short-lived RS256 JWT asserting this app's
// identity, per GitHub App authentication requirements.
func (t *TokenSource) mintAppJWT() (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": t.appID,
	}

	headerB64, err := encodeJWTSegment(header)
	if err != nil {
		return "", err
	}
	claimsB64, err := encodeJWTSegment(claims)
	if err != nil {
		return "", err
	}
	signingInput := headerB64 + "." + claimsB64

	hashed := sha256Sum(signingInput)
	sig, err := rsa.SignPKCS1v15(rand.Reader, t.privateKey, cryptoSHA256, hashed)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func encodeJWTSegment(v any) (string, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}
