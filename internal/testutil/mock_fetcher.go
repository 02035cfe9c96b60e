// mock_fetcher.go - Scripted poller.Fetcher for testing
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/poller"
)

// MockFetcher answers fetches from canned bodies keyed by ApiSource id
type MockFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  map[string]int
}

// NewMockFetcher creates a fetcher with no canned responses
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		bodies: make(map[string]string),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetBody makes apiID answer with body
func (f *MockFetcher) SetBody(apiID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[apiID] = body
	delete(f.errs, apiID)
}

// SetError makes apiID fail with err
func (f *MockFetcher) SetError(apiID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[apiID] = err
}

// Calls returns how often apiID was fetched
func (f *MockFetcher) Calls(apiID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[apiID]
}

func (f *MockFetcher) Fetch(ctx context.Context, api models.APISource) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.ID]++
	if err, ok := f.errs[api.ID]; ok {
		return nil, err
	}
	body, ok := f.bodies[api.ID]
	if !ok {
		return nil, &poller.FetchError{APIID: api.ID, Kind: poller.KindFetchFailure, Status: 404, Err: fmt.Errorf("no canned body")}
	}
	return []byte(body), nil
}

var _ poller.Fetcher = (*MockFetcher)(nil)
