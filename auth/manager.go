// Package auth owns the Twitch user credential lifecycle: initial
// authorization, persistence, proactive refresh inside a safety margin, and
// the unauthorized state reached when a refresh token is revoked. Every
// Helix call goes through the Ensure gate; raw token values never leave the
// manager except via Token, and are never logged.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/subvertigo/rolebridge/telemetry"
	"github.com/subvertigo/rolebridge/twitchapi"
)

// State is the lifecycle position of the managed credential.
type State int

const (
	StateUninitialized State = iota
	StateAuthorizing         // no usable credential; waiting for an authorization code
	StateAuthorized
	StateUnauthorized // refresh rejected; only a new authorization exits this state
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "uninitialized"
	}
}

var (
	// ErrReauthorizationRequired means no valid credential can be produced
	// without a new out-of-band authorization. Callers degrade to a no-op.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	// ErrInvalidAuthorizationCode means the code exchange was rejected.
	ErrInvalidAuthorizationCode = errors.New("invalid authorization code")
)

// Credential is the persisted token pair. Instances stay inside the auth
// package boundary.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string
}

// TokenStore persists the singleton credential. Save must replace the record
// atomically (the Postgres store is a single-row upsert).
type TokenStore interface {
	Load(ctx context.Context) (Credential, bool, error)
	Save(ctx context.Context, cred Credential) error
}

// Notifier is the best-effort operator notification sink. A nil Notifier
// disables notifications; delivery failures are swallowed by implementations.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Manager is the token lifecycle manager. All methods are safe for
// concurrent use; refresh is serialized so concurrent Ensure calls inside
// the margin perform a single refresh.
type Manager struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	// Margin is the safety window before expiry that triggers a proactive
	// refresh. Zero means the 1h default.
	Margin     time.Duration
	Store      TokenStore
	Notifier   Notifier
	HTTPClient *http.Client

	mu    sync.Mutex
	state State
	cred  Credential
}

func (m *Manager) margin() time.Duration {
	if m.Margin > 0 {
		return m.Margin
	}
	return time.Hour
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize loads the persisted credential. An expired credential gets one
// refresh attempt; an absent one is seeded from TWITCH_ACCESS_TOKEN /
// TWITCH_REFRESH_TOKEN when provided (headless deployments). Otherwise the
// manager enters the authorizing state and reports
// ErrReauthorizationRequired; the process keeps running degraded.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok, err := m.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok || cred.RefreshToken == "" {
		if seeded, err := m.seedFromEnvLocked(ctx); err != nil {
			return err
		} else if seeded {
			return nil
		}
		m.state = StateAuthorizing
		slog.Info("no stored credential; authorization required", slog.String("component", "auth"))
		return ErrReauthorizationRequired
	}

	m.cred = cred
	if time.Until(cred.ExpiresAt) > m.margin() {
		m.state = StateAuthorized
		slog.Info("credential loaded", slog.Time("expires_at", cred.ExpiresAt), slog.String("component", "auth"))
		return nil
	}
	// Stored pair is stale; one refresh attempt before demanding reauth.
	if err := m.refreshLocked(ctx); err != nil {
		return err
	}
	return nil
}

// seedFromEnvLocked provisions a credential from environment variables so
// headless/CI deployments never need the interactive flow. Expiry is unknown
// for a pasted token, so it is treated as already inside the margin and
// refreshed on first Ensure.
func (m *Manager) seedFromEnvLocked(ctx context.Context) (bool, error) {
	access := os.Getenv("TWITCH_ACCESS_TOKEN")
	refresh := os.Getenv("TWITCH_REFRESH_TOKEN")
	if refresh == "" {
		return false, nil
	}
	cred := Credential{AccessToken: access, RefreshToken: refresh, Scopes: m.Scopes}
	if err := m.Store.Save(ctx, cred); err != nil {
		return false, fmt.Errorf("persist seeded credential: %w", err)
	}
	m.cred = cred
	m.state = StateAuthorized
	slog.Info("credential seeded from environment", slog.String("component", "auth"))
	return true, nil
}

// Ensure guarantees the held credential is valid for the next use window,
// refreshing when expiry is inside the safety margin. Refresh failure moves
// the manager to unauthorized and returns ErrReauthorizationRequired instead
// of retrying indefinitely.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAuthorized:
	case StateUnauthorized, StateAuthorizing, StateUninitialized:
		return ErrReauthorizationRequired
	}
	if time.Until(m.cred.ExpiresAt) > m.margin() {
		return nil
	}
	return m.refreshLocked(ctx)
}

// Token is the only exit point for the access token: Ensure, then hand the
// current value to the caller (implements twitchapi.TokenProvider).
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := m.Ensure(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.AccessToken, nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	res, err := twitchapi.RefreshToken(ctx, m.HTTPClient, m.ClientID, m.ClientSecret, m.cred.RefreshToken)
	if err != nil {
		m.state = StateUnauthorized
		telemetry.IncTokenRefreshFailures()
		telemetry.SetAuthorized(false)
		slog.Error("token refresh rejected; reauthorization required", slog.Any("err", err), slog.String("component", "auth"))
		m.notify(ctx, "Twitch token refresh failed: role sync is paused until the bot is re-authorized.")
		return fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
	}
	cred := Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    twitchapi.ComputeExpiry(res.ExpiresIn),
		Scopes:       strings.Join(res.Scope, " "),
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = m.cred.RefreshToken
	}
	if cred.Scopes == "" {
		cred.Scopes = m.cred.Scopes
	}
	if err := m.Store.Save(ctx, cred); err != nil {
		// Keep serving with the in-memory pair; persistence is retried on the
		// next refresh.
		slog.Error("failed to persist refreshed credential", slog.Any("err", err), slog.String("component", "auth"))
	}
	m.cred = cred
	m.state = StateAuthorized
	telemetry.IncTokenRefreshes()
	telemetry.SetAuthorized(true)
	slog.Info("token refreshed", slog.Time("expires_at", cred.ExpiresAt), slog.String("component", "auth"))
	return nil
}

// AuthorizeURL builds the interactive authorization URL for operators.
func (m *Manager) AuthorizeURL(state string) (string, error) {
	return twitchapi.BuildAuthorizeURL(m.ClientID, m.RedirectURI, m.Scopes, state)
}

// CompleteAuthorization exchanges an authorization code (or a full redirect
// URL containing one) for a token pair, persists it, and moves to authorized.
func (m *Manager) CompleteAuthorization(ctx context.Context, codeOrURL string) error {
	code := ExtractAuthCode(codeOrURL)
	if code == "" {
		return fmt.Errorf("%w: no code present", ErrInvalidAuthorizationCode)
	}
	res, err := twitchapi.ExchangeAuthCode(ctx, m.HTTPClient, m.ClientID, m.ClientSecret, code, m.RedirectURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorizationCode, err)
	}
	cred := Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    twitchapi.ComputeExpiry(res.ExpiresIn),
		Scopes:       strings.Join(res.Scope, " "),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Store.Save(ctx, cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	m.cred = cred
	m.state = StateAuthorized
	telemetry.SetAuthorized(true)
	slog.Info("authorization completed", slog.Time("expires_at", cred.ExpiresAt), slog.String("component", "auth"))
	return nil
}

func (m *Manager) notify(ctx context.Context, message string) {
	if m.Notifier == nil {
		return
	}
	m.Notifier.Notify(ctx, message)
}

// ExtractAuthCode accepts either a bare authorization code or a full
// redirect URL and returns the code, or empty when none is found.
func ExtractAuthCode(codeOrURL string) string {
	s := strings.TrimSpace(codeOrURL)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") || strings.HasPrefix(s, "/") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return u.Query().Get("code")
	}
	return s
}
