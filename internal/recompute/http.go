package recompute

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// maxResponseBytes caps the body the http kind will persist.
const maxResponseBytes = 8 << 20

// HTTP fetches the view definition as a URL and stores the response body.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP recomputer. A nil client uses a clone of the
// default transport; the per-item context bounds each request.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTP{client: client}
}

// Recompute implements Recomputer.
func (h *HTTP) Recompute(ctx context.Context, v *types.View) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Definition, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response larger than %d bytes", maxResponseBytes)
	}
	return body, nil
}
