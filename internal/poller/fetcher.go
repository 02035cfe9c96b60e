package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/devscene/backend/internal/models"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 8 << 20

// Fetcher retrieves the current response of an ApiSource. Implementations
// must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, api models.APISource) ([]byte, error)
}

// HTTPFetcher fetches ApiSources over HTTP. GET sends no body; POST sends
// the source's params as a JSON body.
type HTTPFetcher struct {
	Client *http.Client
	Header http.Header
}

// NewHTTPFetcher returns a fetcher sharing one client, so connections to
// the same endpoint are reused across sources.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, api models.APISource) ([]byte, error) {
	var body io.Reader
	method := http.MethodGet
	if api.Method == models.MethodPost {
		method = http.MethodPost
		body = bytes.NewReader(api.RequestBody())
	}

	req, err := http.NewRequestWithContext(ctx, method, api.URL, body)
	if err != nil {
		return nil, &FetchError{APIID: api.ID, Kind: KindFetchFailure, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{APIID: api.ID, Kind: KindFetchFailure, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{APIID: api.ID, Kind: KindFetchFailure, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			APIID:  api.ID,
			Kind:   KindFetchFailure,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return raw, nil
}

// decodeBody parses a response body as JSON, keeping numbers exact.
func decodeBody(apiID string, raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &FetchError{APIID: apiID, Kind: KindMalformedResponse, Err: err}
	}
	if dec.More() {
		return nil, &FetchError{APIID: apiID, Kind: KindMalformedResponse, Err: fmt.Errorf("trailing data after JSON value")}
	}
	return v, nil
}
