// Package store persists the agent's session, device selection and telemetry
// settings. Every read goes to the database so that separate processes (the
// CLI and a running agent) observe each other's writes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/zulandar/onloc/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store reads and writes agent state through GORM.
type Store struct {
	db *gorm.DB
}

// New creates a Store backed by db. The settings table must already exist.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// get returns the value for key, or "" when unset.
func (s *Store) get(key string) (string, error) {
	var setting models.Setting
	err := s.db.Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return setting.Value, nil
}

// upsert writes all pairs in one transaction.
func (s *Store) upsert(pairs map[string]string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range pairs {
			row := models.Setting{Key: k, Value: v}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("set %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *Store) remove(keys ...string) error {
	if err := s.db.Where("key IN ?", keys).Delete(&models.Setting{}).Error; err != nil {
		return fmt.Errorf("store: delete %v: %w", keys, err)
	}
	return nil
}

// Server returns the base URL of the Onloc server, or "" when not logged in.
func (s *Store) Server() (string, error) {
	return s.get(models.KeyServer)
}

// AccessToken returns the current access token, or "" when there is no session.
func (s *Store) AccessToken() (string, error) {
	return s.get(models.KeyAccessToken)
}

// RefreshToken returns the current refresh token, or "" when there is no session.
func (s *Store) RefreshToken() (string, error) {
	return s.get(models.KeyRefreshToken)
}

// User returns the logged-in user, or nil when there is no session.
func (s *Store) User() (*models.User, error) {
	raw, err := s.get(models.KeyUser)
	if err != nil || raw == "" {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("store: decode user: %w", err)
	}
	return &u, nil
}

// SaveSession persists a freshly created session.
func (s *Store) SaveSession(server, accessToken, refreshToken string, user models.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("store: encode user: %w", err)
	}
	return s.upsert(map[string]string{
		models.KeyServer:       server,
		models.KeyAccessToken:  accessToken,
		models.KeyRefreshToken: refreshToken,
		models.KeyUser:         string(raw),
	})
}

// UpdateTokens replaces the access token, and the refresh token when
// refreshToken is non-empty.
func (s *Store) UpdateTokens(accessToken, refreshToken string) error {
	pairs := map[string]string{models.KeyAccessToken: accessToken}
	if refreshToken != "" {
		pairs[models.KeyRefreshToken] = refreshToken
	}
	return s.upsert(pairs)
}

// ClearSession removes tokens and user. The server address, device selection
// and interval survive so that a later login starts from the same settings.
func (s *Store) ClearSession() error {
	return s.remove(models.KeyAccessToken, models.KeyRefreshToken, models.KeyUser)
}

// DeviceID returns the selected device, or models.NoDevice.
func (s *Store) DeviceID() (int, error) {
	raw, err := s.get(models.KeyDeviceID)
	if err != nil {
		return models.NoDevice, err
	}
	if raw == "" {
		return models.NoDevice, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return models.NoDevice, fmt.Errorf("store: decode device id %q: %w", raw, err)
	}
	return id, nil
}

// SetDeviceID selects the device this installation represents. Passing
// models.NoDevice clears the selection.
func (s *Store) SetDeviceID(id int) error {
	if id == models.NoDevice {
		return s.remove(models.KeyDeviceID)
	}
	if id < 0 {
		return fmt.Errorf("store: invalid device id %d", id)
	}
	return s.upsert(map[string]string{models.KeyDeviceID: strconv.Itoa(id)})
}

// LocationInterval returns the stored sampling interval, or "" when unset.
func (s *Store) LocationInterval() (string, error) {
	return s.get(models.KeyLocationInterval)
}

// SetLocationInterval stores the sampling interval (e.g. "5m").
func (s *Store) SetLocationInterval(interval string) error {
	return s.upsert(map[string]string{models.KeyLocationInterval: interval})
}
