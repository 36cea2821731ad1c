package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"

	"github.com/pion/stun"
	"go.uber.org/zap"
)

const (
	credentialsPath = "/api/v1/turn/credentials"
	maxResponseSize = 64 * 1024
)

// Client fetches short-lived TURN credentials from a Metered-style REST API:
// GET {base}/api/v1/turn/credentials?apiKey=KEY.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

var _ ports.ICEServerSource = (*Client)(nil)

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	if c.apiKey == "" {
		return nil, domain.ErrMissingAPIKey
	}

	endpoint, err := url.Parse(c.baseURL + credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("invalid credential service url: %w", err)
	}
	query := endpoint.Query()
	query.Set("apiKey", c.apiKey)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", domain.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}

	servers, err := decodeICEServers(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debugw("fetched relay credentials", "servers", len(servers))
	return servers, nil
}

// decodeICEServers accepts either a bare JSON array of servers or an object
// carrying them under "iceServers".
func decodeICEServers(body []byte) ([]domain.ICEServer, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedICEServers)
	}

	var servers []domain.ICEServer
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &servers); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedICEServers, err)
		}
	} else {
		var envelope struct {
			ICEServers []domain.ICEServer `json:"iceServers"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedICEServers, err)
		}
		servers = envelope.ICEServers
	}

	if err := validateICEServers(servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func validateICEServers(servers []domain.ICEServer) error {
	if len(servers) == 0 {
		return fmt.Errorf("%w: no servers", domain.ErrMalformedICEServers)
	}

	for i, server := range servers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("%w: server %d has no urls", domain.ErrMalformedICEServers, i)
		}
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return fmt.Errorf("%w: server %d: %q: %v", domain.ErrMalformedICEServers, i, raw, err)
			}
			if isRelay(uri.Scheme) && (server.Username == "" || server.Credential == "") {
				return fmt.Errorf("%w: server %d: relay url %q without credentials", domain.ErrMalformedICEServers, i, raw)
			}
		}
	}
	return nil
}

func isRelay(scheme stun.SchemeType) bool {
	return scheme == stun.SchemeTypeTURN || scheme == stun.SchemeTypeTURNS
}
