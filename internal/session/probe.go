// ABOUTME: Reachability probe run before a reconnect handshake
// ABOUTME: Issues GET <base>/about and requires a 200 answer

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-mirai/internal/protocol"
)

// Prober checks that the bridge service answers before a fresh handshake.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes the bridge's HTTP adapter.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

// Probe issues GET <base>/about.
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(p.BaseURL, "/") + "/about"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building probe request: %v", protocol.ErrConfiguration, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: bridge unreachable: %v", protocol.ErrTransportClosed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: bridge answered %s", protocol.ErrTransportClosed, resp.Status)
	}
	return nil
}
