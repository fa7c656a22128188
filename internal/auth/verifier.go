package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential is returned for an absent or blank bearer credential.
	ErrMissingCredential = errors.New("credential missing")
	// ErrInvalidCredential is returned when the credential does not verify.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Verifier checks a bearer credential and yields the stable user id behind it.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// JWTVerifier validates HMAC-signed access tokens locally.
type JWTVerifier struct {
	secret   []byte
	audience string
}

// NewJWTVerifier builds a verifier for tokens signed with secret. An empty
// audience disables the audience check.
func NewJWTVerifier(secret, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(strings.TrimSpace(secret)),
		audience: strings.TrimSpace(audience),
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrMissingCredential
	}
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: verifier has no secret", ErrInvalidCredential)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", fmt.Errorf("%w: invalid audience", ErrInvalidCredential)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims.Subject, nil
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}

// RemoteVerifier asks the hosted auth service who owns the credential.
type RemoteVerifier struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewRemoteVerifier targets GET {baseURL}/auth/v1/user.
func NewRemoteVerifier(baseURL, apiKey string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Verify implements Verifier. Any non-200 answer is a rejection.
func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrMissingCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("apikey", v.apiKey)

	resp, err := v.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%w: auth service returned %d", ErrInvalidCredential, resp.StatusCode)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode auth service response: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", fmt.Errorf("%w: no user found", ErrInvalidCredential)
	}
	return user.ID, nil
}
