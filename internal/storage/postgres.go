package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/devscene/backend/internal/models"
)

// DeviceScene is one stored scene row.
type DeviceScene struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey"`
	Revision   string    `gorm:"column:revision;not null"`
	Document   string    `gorm:"column:document;type:jsonb;not null"`
	LayerCount int       `gorm:"column:layer_count;not null;default:0"`
	APICount   int       `gorm:"column:api_count;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;index"`
}

func (DeviceScene) TableName() string {
	return "device_scenes"
}

func (r *DeviceScene) info() *models.SceneInfo {
	return &models.SceneInfo{
		DeviceID:   r.DeviceID,
		Revision:   r.Revision,
		LayerCount: r.LayerCount,
		APICount:   r.APICount,
		UpdatedAt:  r.UpdatedAt,
	}
}

// PostgresStore implements Store on a PostgreSQL table through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgresStore connects to dsn and migrates the scene table.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an open gorm handle.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&DeviceScene{}); err != nil {
		return nil, fmt.Errorf("migrating device_scenes: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save upserts doc under its device id.
func (s *PostgresStore) Save(doc *models.SceneDocument) (*models.SceneInfo, error) {
	deviceID := doc.DeviceID()
	if !ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding scene: %w", err)
	}

	info := models.NewSceneInfo(doc, uuid.New().String(), time.Now().UTC())
	row := DeviceScene{
		DeviceID:   deviceID,
		Revision:   info.Revision,
		Document:   string(data),
		LayerCount: info.LayerCount,
		APICount:   info.APICount,
		UpdatedAt:  info.UpdatedAt,
	}
	tx := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"revision", "document", "layer_count", "api_count", "updated_at"}),
	}).Create(&row)
	if tx.Error != nil {
		return nil, fmt.Errorf("saving scene %s: %w", deviceID, tx.Error)
	}
	return info, nil
}

func (s *PostgresStore) find(deviceID string) (*DeviceScene, error) {
	var row DeviceScene
	tx := s.db.Where("device_id = ?", deviceID).Take(&row)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("loading scene %s: %w", deviceID, tx.Error)
	}
	return &row, nil
}

// Get loads the stored document of a device.
func (s *PostgresStore) Get(deviceID string) (*models.SceneDocument, error) {
	row, err := s.find(deviceID)
	if err != nil {
		return nil, err
	}
	doc, err := models.DecodeSceneDocument([]byte(row.Document))
	if err != nil {
		return nil, fmt.Errorf("loading scene %s: %w", deviceID, err)
	}
	return doc, nil
}

// Info returns the stored metadata of a device's scene.
func (s *PostgresStore) Info(deviceID string) (*models.SceneInfo, error) {
	row, err := s.find(deviceID)
	if err != nil {
		return nil, err
	}
	return row.info(), nil
}

// List returns the most recently updated scenes.
func (s *PostgresStore) List(limit int) ([]*models.SceneInfo, error) {
	var rows []DeviceScene
	q := s.db.Model(&DeviceScene{}).
		Select("device_id", "revision", "layer_count", "api_count", "updated_at").
		Order("updated_at DESC, device_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing scenes: %w", err)
	}
	out := make([]*models.SceneInfo, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].info())
	}
	return out, nil
}

// Delete removes a device's scene.
func (s *PostgresStore) Delete(deviceID string) error {
	tx := s.db.Where("device_id = ?", deviceID).Delete(&DeviceScene{})
	if tx.Error != nil {
		return fmt.Errorf("deleting scene %s: %w", deviceID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
