package githost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/go-github/v61/github"

	"github.com/coolkev/cicd/pkg/errkinds"
)

// Installation is one GitHub App installation this process can authenticate
// as, scoped to the owner (org or user) it was installed on.
type Installation struct {
	Owner          string
	InstallationID int64
}

// installationToken caches a minted installation access token until shortly
// before its expiry.
type installationToken struct {
	token   string
	expires time.Time
}

// CredentialPool mints and caches per-owner installation tokens from a
// GitHub App's private key, modelled on the app-auth flow
// pkg/konftool/gh_app walks a human operator through by hand. A request is
// served by the installation of its own owner; when that owner has none,
// the installation of the lexicographically-first known owner is used
// instead, per §4.2's "deterministic (lexicographic)" rule.
type CredentialPool struct {
	appID      int64
	privateKey []byte
	apiBaseURL string

	mu            sync.Mutex
	installations map[string]Installation
	tokens        map[string]installationToken
	transport     *github.Client
}

// NewCredentialPool constructs a pool for a GitHub App identified by appID
// and its PEM-encoded private key. installations lists the known
// owner→installation mappings (normally discovered once at startup via the
// App's /app/installations endpoint and refreshed by the caller as needed).
func NewCredentialPool(appID int64, privateKeyPEM []byte, installations []Installation) *CredentialPool {
	byOwner := make(map[string]Installation, len(installations))
	for _, in := range installations {
		byOwner[in.Owner] = in
	}
	return &CredentialPool{
		appID:         appID,
		privateKey:    privateKeyPEM,
		installations: byOwner,
		tokens:        make(map[string]installationToken),
		transport:     github.NewClient(nil),
	}
}

// clientFor returns an authenticated *github.Client scoped to owner's
// installation, minting or reusing a cached installation token.
func (p *CredentialPool) clientFor(ctx context.Context, owner string) (*github.Client, error) {
	p.mu.Lock()
	in, ok := p.installations[owner]
	if !ok {
		fallback, found := fallbackOwner(p.installations)
		p.mu.Unlock()
		if !found {
			return nil, errkinds.Wrapf(errkinds.Upstream, "no usable installation credential for owner %s", owner)
		}
		return p.clientFor(ctx, fallback)
	}
	cached, ok := p.tokens[owner]
	p.mu.Unlock()
	if ok && time.Now().Before(cached.expires.Add(-time.Minute)) {
		return github.NewClient(nil).WithAuthToken(cached.token), nil
	}

	tok, exp, err := p.mintInstallationToken(ctx, in.InstallationID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.tokens[owner] = installationToken{token: tok, expires: exp}
	p.mu.Unlock()
	return github.NewClient(nil).WithAuthToken(tok), nil
}

// fallbackOwner picks the lexicographically-first owner out of installations,
// so that an owner with no direct installation record resolves deterministically
// rather than depending on Go's randomized map iteration order.
func fallbackOwner(installations map[string]Installation) (string, bool) {
	if len(installations) == 0 {
		return "", false
	}
	owners := make([]string, 0, len(installations))
	for o := range installations {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners[0], true
}

// mintInstallationToken signs a short-lived App JWT and exchanges it for an
// installation access token.
func (p *CredentialPool) mintInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(p.privateKey)
	if err != nil {
		return "", time.Time{}, errkinds.Wrapf(errkinds.Upstream, "parsing app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.StandardClaims{
		IssuedAt:  now.Add(-time.Minute).Unix(),
		ExpiresAt: now.Add(9 * time.Minute).Unix(),
		Issuer:    fmt.Sprintf("%d", p.appID),
	}
	appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, errkinds.Wrapf(errkinds.Upstream, "signing app jwt: %w", err)
	}

	client := github.NewClient(nil).WithAuthToken(appJWT)
	tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, errkinds.Wrapf(errkinds.Upstream, "minting installation token: %w", err)
	}
	expires := now.Add(time.Hour)
	if tok.ExpiresAt != nil {
		expires = tok.ExpiresAt.Time
	}
	return tok.GetToken(), expires, nil
}
