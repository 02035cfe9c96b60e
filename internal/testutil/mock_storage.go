// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/storage"
)

// MockStorage implements storage.Store for testing
type MockStorage struct {
	scenes map[string][]byte // deviceID -> encoded document
	infos  map[string]*models.SceneInfo
	mu     sync.RWMutex

	// SaveErr, when set, is returned by every Save call
	SaveErr error
}

// NewMockStorage creates a new mock storage with default implementations
func NewMockStorage() *MockStorage {
	return &MockStorage{
		scenes: make(map[string][]byte),
		infos:  make(map[string]*models.SceneInfo),
	}
}

func (m *MockStorage) Save(doc *models.SceneDocument) (*models.SceneInfo, error) {
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	deviceID := doc.DeviceID()
	if !storage.ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidDeviceID, deviceID)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := models.NewSceneInfo(doc, generateTestID(), time.Now())
	m.scenes[deviceID] = data
	m.infos[deviceID] = info
	return info, nil
}

// Get decodes a fresh copy so callers cannot mutate stored state
func (m *MockStorage) Get(deviceID string) (*models.SceneDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.scenes[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, deviceID)
	}
	return models.DecodeSceneDocument(data)
}

func (m *MockStorage) Info(deviceID string) (*models.SceneInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.infos[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, deviceID)
	}
	return info, nil
}

func (m *MockStorage) List(limit int) ([]*models.SceneInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []*models.SceneInfo
	for _, info := range m.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (m *MockStorage) Delete(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scenes[deviceID]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, deviceID)
	}

	delete(m.scenes, deviceID)
	delete(m.infos, deviceID)
	return nil
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// AddScene stores a single front scene directly
func (m *MockStorage) AddScene(cfg *models.DeviceConfig) *models.SceneInfo {
	info, err := m.Save(&models.SceneDocument{Front: cfg})
	if err != nil {
		panic(fmt.Sprintf("failed to add test scene: %v", err))
	}
	return info
}

// GetSceneCount returns the number of stored scenes
func (m *MockStorage) GetSceneCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scenes)
}

// Clear removes all scenes
func (m *MockStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = make(map[string][]byte)
	m.infos = make(map[string]*models.SceneInfo)
}

// ErrInjected is a generic failure for error-path tests
var ErrInjected = errors.New("injected failure")

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}
