package drive

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/copygo/uploader/internal/models"
)

const driveScope = "https://www.googleapis.com/auth/drive"

// expirySkew is subtracted from the token lifetime so a token is refreshed
// before the API starts rejecting it.
const expirySkew = time.Minute

// credentials holds the parsed service-account identity.
type credentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// tokenSource mints and caches service-account access tokens. The first
// caller triggers the exchange while concurrent callers wait on the mutex
// for the same result; a failed exchange is not cached, so the next call
// retries.
type tokenSource struct {
	tokenURL string
	cfg      Config

	mu      sync.Mutex
	key     *rsa.PrivateKey
	email   string
	token   string
	expires time.Time
}

func newTokenSource(cfg Config) *tokenSource {
	return &tokenSource{tokenURL: cfg.TokenURL, cfg: cfg}
}

// parseCredentials resolves the configured credential material, preferring
// the full JSON blob over the email/key pair.
func parseCredentials(cfg Config) (*credentials, error) {
	if cfg.ServiceAccountJSON != "" {
		var creds credentials
		if err := json.Unmarshal([]byte(cfg.ServiceAccountJSON), &creds); err != nil {
			return nil, fmt.Errorf("parse service account JSON: %w", err)
		}
		if creds.ClientEmail == "" || creds.PrivateKey == "" {
			return nil, errors.New("service account JSON lacks client_email or private_key")
		}
		return &creds, nil
	}

	if cfg.ClientEmail == "" || cfg.PrivateKey == "" {
		return nil, errors.New("missing GOOGLE_CLIENT_EMAIL / GOOGLE_PRIVATE_KEY (or GOOGLE_SERVICE_ACCOUNT_JSON)")
	}

	key := cfg.PrivateKey
	// Env vars flatten newlines; restore them so the PEM parses.
	if strings.Contains(key, `\n`) {
		key = strings.ReplaceAll(key, `\n`, "\n")
	}
	return &credentials{ClientEmail: cfg.ClientEmail, PrivateKey: key}, nil
}

// Token returns a valid access token, minting one if needed.
func (ts *tokenSource) Token(ctx context.Context, httpClient *http.Client) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires) {
		return ts.token, nil
	}

	if ts.key == nil {
		creds, err := parseCredentials(ts.cfg)
		if err != nil {
			return "", &models.AuthError{Stage: "Drive init", Err: err}
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
		if err != nil {
			return "", &models.AuthError{Stage: "Drive init", Err: fmt.Errorf("parse private key: %w", err)}
		}
		ts.key = key
		ts.email = creds.ClientEmail
	}

	token, expires, err := ts.exchange(ctx, httpClient)
	if err != nil {
		return "", &models.AuthError{Stage: "token exchange", Err: err}
	}

	ts.token = token
	ts.expires = expires
	return token, nil
}

// exchange signs a JWT grant and trades it for an access token.
func (ts *tokenSource) exchange(ctx context.Context, httpClient *http.Client) (string, time.Time, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   ts.email,
		"scope": driveScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign grant: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, "POST", ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, errors.New("token endpoint returned no access_token")
	}

	expires := now.Add(time.Duration(tokenResp.ExpiresIn)*time.Second - expirySkew)
	return tokenResp.AccessToken, expires, nil
}
