package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// hostRewriteTransport redirects requests to the test server regardless of
// the hardcoded production host.
type hostRewriteTransport struct {
	host string
}

func (t *hostRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	host := strings.TrimPrefix(t.host, "http://")
	req.URL.Host = host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(serverURL string) *http.Client {
	return &http.Client{Transport: &hostRewriteTransport{host: serverURL}}
}

func TestHelixClientGetUserID(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testchannel",
			response: map[string]interface{}{
				"data": []map[string]string{{"id": "12345", "login": "testchannel"}},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:        "user not found",
			login:       "nonexistent",
			response:    map[string]interface{}{"data": []map[string]string{}},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			hc := &HelixClient{
				Tokens:     StaticToken("test-token"),
				ClientID:   "test-client-id",
				HTTPClient: testClient(server.URL),
			}

			id, err := hc.GetUserID(context.Background(), tt.login)
			if tt.wantErr {
				if err == nil {
					t.Fatal("GetUserID() expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUserID() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() error = %v", err)
			}
			if id != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", id, tt.wantUserID)
			}
		})
	}
}

func TestHelixClientGetChannelVIPsPaginated(t *testing.T) {
	pages := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/channels/vips" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("broadcaster_id") != "777" {
			t.Errorf("broadcaster_id = %s, want 777", r.URL.Query().Get("broadcaster_id"))
		}
		pages++
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("after") {
		case "":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data":       []map[string]string{{"user_login": "Alice"}, {"user_login": "bob"}},
				"pagination": map[string]string{"cursor": "page2"},
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data":       []map[string]string{{"user_login": "CAROL"}},
				"pagination": map[string]string{},
			})
		default:
			t.Errorf("unexpected cursor %s", r.URL.Query().Get("after"))
		}
	}))
	defer server.Close()

	hc := &HelixClient{
		Tokens:     StaticToken("test-token"),
		ClientID:   "test-client-id",
		HTTPClient: testClient(server.URL),
	}

	vips, err := hc.GetChannelVIPs(context.Background(), "777")
	if err != nil {
		t.Fatalf("GetChannelVIPs() error = %v", err)
	}
	if pages != 2 {
		t.Errorf("expected 2 page fetches, got %d", pages)
	}
	want := []string{"alice", "bob", "carol"}
	if len(vips) != len(want) {
		t.Fatalf("GetChannelVIPs() = %v, want %v", vips, want)
	}
	for _, login := range want {
		if _, ok := vips[login]; !ok {
			t.Errorf("missing lowercased login %q in %v", login, vips)
		}
	}
}

func TestHelixClientPartialFetchFails(t *testing.T) {
	// First page succeeds, second page returns 500: the whole read must fail
	// rather than surface a truncated set.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after") == "" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data":       []map[string]string{{"user_login": "alice"}},
				"pagination": map[string]string{"cursor": "page2"},
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hc := &HelixClient{
		Tokens:     StaticToken("test-token"),
		ClientID:   "test-client-id",
		HTTPClient: testClient(server.URL),
	}

	if _, err := hc.GetChannelVIPs(context.Background(), "777"); err == nil {
		t.Fatal("GetChannelVIPs() with failing second page: want error, got nil")
	}
}

func TestHelixClientGetChannelSubscribers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/subscriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":       []map[string]string{{"user_login": "Dana"}},
			"pagination": map[string]string{},
		})
	}))
	defer server.Close()

	hc := &HelixClient{
		Tokens:     StaticToken("test-token"),
		ClientID:   "test-client-id",
		HTTPClient: testClient(server.URL),
	}

	subs, err := hc.GetChannelSubscribers(context.Background(), "777")
	if err != nil {
		t.Fatalf("GetChannelSubscribers() error = %v", err)
	}
	if _, ok := subs["dana"]; !ok || len(subs) != 1 {
		t.Errorf("GetChannelSubscribers() = %v, want {dana}", subs)
	}
}
