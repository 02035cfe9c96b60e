package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/models"
)

var (
	// ErrNotFound is returned when no scene is stored for a device.
	ErrNotFound = errors.New("scene not found")
	// ErrInvalidDeviceID rejects ids that cannot be used as a storage key.
	ErrInvalidDeviceID = errors.New("invalid device id")
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidDeviceID reports whether id can be stored.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Store defines the interface for scene document storage.
type Store interface {
	Save(doc *models.SceneDocument) (*models.SceneInfo, error)
	Get(deviceID string) (*models.SceneDocument, error)
	Info(deviceID string) (*models.SceneInfo, error)
	List(limit int) ([]*models.SceneInfo, error)
	Delete(deviceID string) error
}

// sceneFile is the on-disk envelope of one device's scene.
type sceneFile struct {
	Info     *models.SceneInfo     `json:"info"`
	Document *models.SceneDocument `json:"document"`
}

// LocalStore implements Store using one JSON file per device.
type LocalStore struct {
	mu       sync.RWMutex
	sceneDir string
	scenes   map[string]*models.SceneInfo
	log      *zap.Logger
}

// NewLocalStore creates a new LocalStore and indexes the scenes already on
// disk. Unreadable files are logged and skipped.
func NewLocalStore(sceneDir string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(sceneDir, 0755); err != nil {
		return nil, fmt.Errorf("creating scene directory: %w", err)
	}

	s := &LocalStore{
		sceneDir: sceneDir,
		scenes:   make(map[string]*models.SceneInfo),
		log:      logging.Named(logger, "storage"),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) loadIndex() error {
	entries, err := os.ReadDir(s.sceneDir)
	if err != nil {
		return fmt.Errorf("reading scene directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		f, err := s.readFile(filepath.Join(s.sceneDir, e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable scene", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		s.scenes[f.Info.DeviceID] = f.Info
	}
	return nil
}

func (s *LocalStore) path(deviceID string) string {
	return filepath.Join(s.sceneDir, deviceID+".json")
}

func (s *LocalStore) readFile(path string) (*sceneFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f sceneFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	if f.Info == nil || f.Document == nil {
		return nil, fmt.Errorf("decoding %s: missing info or document", filepath.Base(path))
	}
	return &f, nil
}

// Save writes doc under its device id, replacing any previous revision.
func (s *LocalStore) Save(doc *models.SceneDocument) (*models.SceneInfo, error) {
	deviceID := doc.DeviceID()
	if !ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}

	info := models.NewSceneInfo(doc, uuid.New().String(), time.Now().UTC())
	data, err := json.MarshalIndent(sceneFile{Info: info, Document: doc}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding scene: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.sceneDir, deviceID+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(deviceID)); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("replacing scene file: %w", err)
	}

	s.scenes[deviceID] = info
	return info, nil
}

// Get loads the stored document of a device.
func (s *LocalStore) Get(deviceID string) (*models.SceneDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scenes[deviceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	f, err := s.readFile(s.path(deviceID))
	if err != nil {
		return nil, fmt.Errorf("loading scene %s: %w", deviceID, err)
	}
	return f.Document, nil
}

// Info returns the stored metadata of a device's scene.
func (s *LocalStore) Info(deviceID string) (*models.SceneInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.scenes[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return info, nil
}

// List returns the most recently updated scenes.
func (s *LocalStore) List(limit int) ([]*models.SceneInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.SceneInfo, 0, len(s.scenes))
	for _, info := range s.scenes {
		list = append(list, info)
	}

	// Sort by UpdatedAt desc
	sortInfos(list)

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

func sortInfos(list []*models.SceneInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].DeviceID < list[j].DeviceID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

// Delete removes a device's scene.
func (s *LocalStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scenes[deviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	if err := os.Remove(s.path(deviceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	delete(s.scenes, deviceID)
	return nil
}
