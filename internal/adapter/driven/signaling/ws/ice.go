package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Wyydra/ya/internal/config"
	"github.com/pion/webrtc/v4"
)

const iceFetchTimeout = 5 * time.Second

// FetchICEServers asks the relay behind relayURL for its candidate
// discovery server list.
func FetchICEServers(ctx context.Context, client *http.Client, relayURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/ice-servers"
	u.RawQuery = ""

	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: %s", resp.Status)
	}

	var body struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return config.ParseICEServersJSON(body.ICEServers)
}
