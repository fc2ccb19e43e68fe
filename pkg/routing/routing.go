// Package routing manages the service_endpoints table that maps change
// types to effector endpoints, and the waivers table the webhook receiver
// writes to. Both are small administrative tables, managed through GORM;
// the dispatcher's hot path reads routes through pgx instead.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// ErrRouteNotFound indicates no route exists for the change type.
var ErrRouteNotFound = errors.New("route not found")

// ServiceEndpoint maps a change type to the effector endpoint handling it.
type ServiceEndpoint struct {
	Name     string `gorm:"primaryKey" json:"name"`
	Endpoint string `gorm:"not null" json:"endpoint"`
}

// TableName matches the table the dispatcher reads.
func (ServiceEndpoint) TableName() string {
	return "service_endpoints"
}

// Waiver is a stored waiver webhook payload.
type Waiver struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Details   string    `gorm:"type:jsonb;not null" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName matches the migration.
func (Waiver) TableName() string {
	return "waivers"
}

// Store provides route and waiver persistence over GORM.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and returns a Store.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing GORM handle. Used by tests with a SQLite dialector.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the tables. Production schemas come from the embedded
// migrations; this exists for tests and ad hoc environments.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&ServiceEndpoint{}, &Waiver{})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListRoutes returns all routes ordered by name.
func (s *Store) ListRoutes(ctx context.Context) ([]ServiceEndpoint, error) {
	var routes []ServiceEndpoint
	if err := s.db.WithContext(ctx).Order("name").Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return routes, nil
}

// GetRoute returns the route for one change type.
func (s *Store) GetRoute(ctx context.Context, name string) (ServiceEndpoint, error) {
	var route ServiceEndpoint
	err := s.db.WithContext(ctx).First(&route, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ServiceEndpoint{}, fmt.Errorf("change type %q: %w", name, ErrRouteNotFound)
	}
	if err != nil {
		return ServiceEndpoint{}, fmt.Errorf("failed to fetch route %q: %w", name, err)
	}
	return route, nil
}

// SetRoute creates or replaces the route for a change type. Takes effect on
// the dispatcher's next lookup; no restart needed.
func (s *Store) SetRoute(ctx context.Context, name, endpoint string) error {
	if name == "" || endpoint == "" {
		return fmt.Errorf("route name and endpoint are both required")
	}

	route := ServiceEndpoint{Name: name, Endpoint: endpoint}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"endpoint"}),
	}).Create(&route).Error
	if err != nil {
		return fmt.Errorf("failed to set route %q: %w", name, err)
	}
	return nil
}

// DeleteRoute removes the route for a change type. Changes of that type stay
// unprocessed until a route is restored.
func (s *Store) DeleteRoute(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Delete(&ServiceEndpoint{}, "name = ?", name)
	if res.Error != nil {
		return fmt.Errorf("failed to delete route %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("change type %q: %w", name, ErrRouteNotFound)
	}
	return nil
}

// SaveWaiver stores a raw waiver payload and returns its id.
func (s *Store) SaveWaiver(ctx context.Context, details json.RawMessage) (int64, error) {
	if !json.Valid(details) {
		return 0, fmt.Errorf("waiver payload is not valid JSON")
	}

	waiver := Waiver{Details: string(details)}
	if err := s.db.WithContext(ctx).Create(&waiver).Error; err != nil {
		return 0, fmt.Errorf("failed to store waiver: %w", err)
	}
	return waiver.ID, nil
}

// ListWaivers returns the most recent waivers, newest first.
func (s *Store) ListWaivers(ctx context.Context, limit int) ([]Waiver, error) {
	if limit <= 0 {
		limit = 50
	}
	var waivers []Waiver
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&waivers).Error; err != nil {
		return nil, fmt.Errorf("failed to list waivers: %w", err)
	}
	return waivers, nil
}
