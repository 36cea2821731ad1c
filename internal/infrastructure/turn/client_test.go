package turn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telesignal/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", time.Second, zap.NewNop().Sugar())
}

func TestClient_FetchICEServers_Envelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, credentialsPath, r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iceServers":[{"urls":["turn:x"],"username":"u","credential":"c"}]}`))
	})

	servers, err := client.FetchICEServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.ICEServer{
		{URLs: domain.ICEURLs{"turn:x"}, Username: "u", Credential: "c"},
	}, servers)
}

func TestClient_FetchICEServers_BareArrayWithStringURLs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"urls":"stun:stun.relay.metered.ca:80"},
			{"urls":"turn:global.relay.metered.ca:80?transport=tcp","username":"u","credential":"c"}
		]`))
	})

	servers, err := client.FetchICEServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, domain.ICEURLs{"stun:stun.relay.metered.ca:80"}, servers[0].URLs)
	assert.Equal(t, "u", servers[1].Username)
}

func TestClient_FetchICEServers_Failures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "non-success status", status: http.StatusUnauthorized, body: `{"error":"bad key"}`, wantErr: domain.ErrUpstreamUnavailable},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantErr: domain.ErrMalformedICEServers},
		{name: "empty list", status: http.StatusOK, body: `{"iceServers":[]}`, wantErr: domain.ErrMalformedICEServers},
		{name: "missing urls", status: http.StatusOK, body: `[{"username":"u"}]`, wantErr: domain.ErrMalformedICEServers},
		{name: "bad scheme", status: http.StatusOK, body: `[{"urls":"http://example.com"}]`, wantErr: domain.ErrMalformedICEServers},
		{name: "relay without credentials", status: http.StatusOK, body: `[{"urls":"turn:x"}]`, wantErr: domain.ErrMalformedICEServers},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := client.FetchICEServers(context.Background())
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestClient_FetchICEServers_MissingKeyMakesNoRequest(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second, zap.NewNop().Sugar())
	_, err := client.FetchICEServers(context.Background())

	assert.ErrorIs(t, err, domain.ErrMissingAPIKey)
	assert.Zero(t, hits)
}

func TestClient_FetchICEServers_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.FetchICEServers(ctx)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
