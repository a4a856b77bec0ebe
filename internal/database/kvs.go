package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

const settingsNamespace = "settings"

// ErrInvalidSetting indicates a stored value that does not decode into the setting type.
var ErrInvalidSetting = errors.New("database: invalid setting value")

var (
	registryMu sync.Mutex
	registry   = map[string]struct{}{}
)

// Setting is a typed key in a kvs namespace.
type Setting[T any] struct {
	namespace string
	key       string
}

// NewSetting registers a key in the settings namespace. Keys are registered once at init.
func NewSetting[T any](key string) Setting[T] {
	registryMu.Lock()
	defer registryMu.Unlock()
	qualified := settingsNamespace + "/" + key
	if _, duplicate := registry[qualified]; duplicate {
		panic(fmt.Sprintf("database: setting %s registered twice", qualified))
	}
	registry[qualified] = struct{}{}
	return Setting[T]{namespace: settingsNamespace, key: key}
}

// Key returns the setting key.
func (s Setting[T]) Key() string {
	return s.key
}

// RegisteredSettings lists every registered qualified key, sorted.
func RegisteredSettings() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	keys := make([]string, 0, len(registry))
	for key := range registry {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

var (
	// DataVersionSetting is the data schema version stored documents conform to.
	DataVersionSetting = NewSetting[uint8]("data_version")
	// ComputedDataVersionSetting is the data version refs were last derived with.
	ComputedDataVersionSetting = NewSetting[uint8]("computed_data_version")
	// InstanceIDSetting identifies this store.
	InstanceIDSetting = NewSetting[entities.InstanceID]("instance_id")
	// LastSyncTimeSetting records the last successful sync cycle.
	LastSyncTimeSetting = NewSetting[time.Time]("last_sync_time")
	// DBRevisionSetting is the high-water vector clock of every revision seen.
	DBRevisionSetting = NewSetting[entities.Revision]("db_revision")
)

// GetSetting reads a setting; ok is false when it was never written.
func GetSetting[T any](ctx context.Context, db *gorm.DB, setting Setting[T]) (T, bool, error) {
	var zero T
	var record SettingRecord
	err := db.WithContext(ctx).
		Where("namespace = ? AND setting_key = ?", setting.namespace, setting.key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var value T
	if err := json.Unmarshal([]byte(record.ValueJSON), &value); err != nil {
		return zero, false, fmt.Errorf("%w: %s: %v", ErrInvalidSetting, setting.key, err)
	}
	return value, true, nil
}

// PutSetting upserts a setting value.
func PutSetting[T any](ctx context.Context, db *gorm.DB, setting Setting[T], value T) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, setting.key, err)
	}
	record := SettingRecord{
		Namespace:        setting.namespace,
		Key:              setting.key,
		ValueJSON:        string(encoded),
		UpdatedAtSeconds: time.Now().UTC().Unix(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
	}).Create(&record).Error
}
