// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for channel id resolution and VIP/subscriber list reads, plus the
// OAuth code-grant helpers used by the token lifecycle manager.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// TokenProvider yields a currently-valid user access token. The auth manager
// implements this; tests supply a static provider.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token (tests, one-shot tools).
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

// HelixClient provides the Helix reads needed for role reconciliation.
// VIP and subscription endpoints require a user token carrying
// channel:read:vips / channel:read:subscriptions for the broadcaster.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "https://api.twitch.tv/helix/users", map[string]string{"login": strings.ToLower(login)}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetChannelVIPs returns the complete set of VIP logins for a broadcaster,
// lowercased. The paginated read is collected to completion; any page error
// fails the whole call so a truncated list is never mistaken for the truth.
func (hc *HelixClient) GetChannelVIPs(ctx context.Context, broadcasterID string) (map[string]struct{}, error) {
	return hc.collectLogins(ctx, "https://api.twitch.tv/helix/channels/vips", broadcasterID)
}

// GetChannelSubscribers returns the complete set of subscriber logins for a
// broadcaster, lowercased, with the same all-pages-or-error contract as
// GetChannelVIPs.
func (hc *HelixClient) GetChannelSubscribers(ctx context.Context, broadcasterID string) (map[string]struct{}, error) {
	return hc.collectLogins(ctx, "https://api.twitch.tv/helix/subscriptions", broadcasterID)
}

func (hc *HelixClient) collectLogins(ctx context.Context, endpoint, broadcasterID string) (map[string]struct{}, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	logins := make(map[string]struct{})
	after := ""
	for {
		var body struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		params := map[string]string{"broadcaster_id": broadcasterID, "first": "100"}
		if after != "" {
			params["after"] = after
		}
		if err := hc.get(ctx, endpoint, params, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			if d.UserLogin != "" {
				logins[strings.ToLower(d.UserLogin)] = struct{}{}
			}
		}
		if body.Pagination.Cursor == "" {
			return logins, nil
		}
		after = body.Pagination.Cursor
	}
}

func (hc *HelixClient) get(ctx context.Context, endpoint string, params map[string]string, out any) error {
	tok, err := hc.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix request failed: %s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
