package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quotewire/quotewire/internal/errs"
)

// HTTPClient is a generic JSON-over-HTTP provider adapter. The upstream
// contract is one POST per fetch carrying capability, symbols and options,
// answered with a JSON object.
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds an adapter for one provider endpoint.
func NewHTTPClient(name, baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{name: name, baseURL: baseURL, client: client}
}

func (c *HTTPClient) Name() string { return c.name }

func (c *HTTPClient) Fetch(ctx context.Context, capability string, symbols []string, options map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"capability": capability,
		"symbols":    symbols,
		"options":    options,
	})
	if err != nil {
		return nil, errs.New("provider.http", errs.KindValidation, errs.WithCause(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, errs.New("provider.http", errs.KindUpstreamFailure, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New("provider.http", errs.KindUpstreamFailure,
			errs.WithMessage("%s request failed", c.name), errs.WithCause(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.New("provider.http", errs.KindNotFound,
			errs.WithMessage("%s has no data for %s", c.name, capability))
	case resp.StatusCode == http.StatusBadRequest:
		return nil, errs.New("provider.http", errs.KindValidation,
			errs.WithMessage("%s rejected the request", c.name))
	case resp.StatusCode != http.StatusOK:
		return nil, errs.New("provider.http", errs.KindUpstreamFailure,
			errs.WithMessage("%s answered %s", c.name, resp.Status),
			errs.WithField("status", fmt.Sprint(resp.StatusCode)))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.New("provider.http", errs.KindUpstreamFailure,
			errs.WithMessage("%s returned a malformed body", c.name), errs.WithCause(err))
	}
	return payload, nil
}
