// Package auth resolves credentials for remote git endpoints, keyed by the
// origin (the host name of the endpoint URL, without port or userinfo).
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	githubOrigin  = "github.com"
	githubAPIBase = "https://api.github.com"

	// installation tokens live for an hour; renew with slack
	tokenRenewSlack = 5 * time.Minute

	// app JWTs are short-lived by design
	appJWTLifetime = 9 * time.Minute
	appJWTBackdate = time.Minute
)

type (
	// GitHubAppProvider authenticates as a GitHub App installation: it signs
	// a short-lived app JWT with the App's private key, resolves the
	// installation for the configured org once, and exchanges the JWT for
	// installation tokens on demand. Tokens are cached until near expiry.
	GitHubAppProvider struct {
		appID          string
		key            *rsa.PrivateKey
		org            string
		installationID int64
		client         *http.Client
		apiBase        string

		mu       sync.Mutex
		token    string
		tokenExp time.Time
	}

	installation struct {
		ID int64 `json:"id"`
	}
	accessToken struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
)

// interface guard
var _ Provider = (*GitHubAppProvider)(nil)

// NewGitHubAppProvider reads the App's PEM-encoded RSA key from keyPath and
// resolves the App installation for org. The provider only ever answers for
// the github.com origin.
func NewGitHubAppProvider(ctx context.Context, appID, keyPath, org string) (*GitHubAppProvider, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "github-app: failed to read private key %s", keyPath)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, errors.Wrap(err, "github-app: invalid private key")
	}
	p := &GitHubAppProvider{
		appID:   appID,
		key:     key,
		org:     org,
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: githubAPIBase,
	}
	if err := p.resolveInstallation(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *GitHubAppProvider) Credentials(ctx context.Context, origin string) (*Credentials, error) {
	if origin != githubOrigin {
		return nil, nil
	}
	token, err := p.installationToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Credentials{Username: "x-access-token", Password: token}, nil
}

// appJWT signs a fresh application JWT (RS256, issuer = app id). The issue
// time is backdated to tolerate clock skew between us and the API.
func (p *GitHubAppProvider) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
}

func (p *GitHubAppProvider) resolveInstallation(ctx context.Context) error {
	var inst installation
	url := fmt.Sprintf("%s/orgs/%s/installation", p.apiBase, p.org)
	if err := p.apiCall(ctx, http.MethodGet, url, &inst); err != nil {
		return errors.Wrapf(err, "github-app: no installation for org %s", p.org)
	}
	p.installationID = inst.ID
	glog.V(4).Infof("github-app: org %s installation id %d", p.org, p.installationID)
	return nil
}

func (p *GitHubAppProvider) installationToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Until(p.tokenExp) > tokenRenewSlack {
		return p.token, nil
	}
	var tok accessToken
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", p.apiBase, p.installationID)
	if err := p.apiCall(ctx, http.MethodPost, url, &tok); err != nil {
		return "", errors.Wrap(err, "github-app: token exchange failed")
	}
	p.token, p.tokenExp = tok.Token, tok.ExpiresAt
	return p.token, nil
}

func (p *GitHubAppProvider) apiCall(ctx context.Context, method, url string, out any) error {
	bearer, err := p.appJWT()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return jsoniter.NewDecoder(resp.Body).Decode(out)
}
