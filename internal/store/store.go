// Package store persists build results, generated files and project contracts
// with GORM on PostgreSQL, or SQLite when no database URL is configured.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"webforge/internal/config"
	"webforge/internal/logging"
	"webforge/internal/pipeline"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the GORM database.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if cfg.URL != "" {
		dialector = postgres.Open(cfg.URL)
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = "webforge.db"
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	s.log.Info("database connected", zap.String("dialect", db.Dialector.Name()))
	return s, nil
}

// New wraps an existing connection.
func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: logging.OrDefault(log).With(zap.String("component", "store"))}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&BuildRecord{}, &FileRecord{}, &ContractRecord{})
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveResult persists a finished build and its files in one transaction.
func (s *Store) SaveResult(ctx context.Context, r *pipeline.Result) error {
	rec, err := recordFromResult(r)
	if err != nil {
		return err
	}
	files := make([]FileRecord, 0, len(r.Files))
	for p, content := range r.Files {
		files = append(files, FileRecord{BuildID: r.BuildID, Path: p, Content: content, Size: len(content)})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
			return fmt.Errorf("save build %s: %w", r.BuildID, err)
		}
		if err := tx.Where("build_id = ?", r.BuildID).Delete(&FileRecord{}).Error; err != nil {
			return fmt.Errorf("clear files of build %s: %w", r.BuildID, err)
		}
		if len(files) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(files, 100).Error; err != nil {
			return fmt.Errorf("save files of build %s: %w", r.BuildID, err)
		}
		return nil
	})
}

func recordFromResult(r *pipeline.Result) (*BuildRecord, error) {
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return nil, fmt.Errorf("encode errors: %w", err)
	}
	rec := &BuildRecord{
		ID:                    r.BuildID,
		ProjectID:             r.ProjectID,
		Prompt:                r.Prompt,
		Status:                string(r.Status),
		Category:              string(r.Category),
		Message:               r.Message,
		FailedAt:              string(r.FailedAt),
		ImportRetries:         r.Counters.Import,
		ValidationRetries:     r.Counters.Validation,
		RuntimeRetries:        r.Counters.Runtime,
		PlanningRetries:       r.Counters.Planning,
		InfrastructureRetries: r.Counters.Infrastructure,
		Plan:                  string(plan),
		Errors:                string(errs),
		StartedAt:             r.StartedAt,
		FinishedAt:            r.FinishedAt,
	}
	if r.Contract != nil {
		rec.ContractAddress = r.Contract.Address
		rec.Network = r.Contract.Network
	}
	return rec, nil
}

// GetBuild loads a build by id.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*BuildRecord, error) {
	var rec BuildRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", buildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LatestBuild returns the most recently finished build of a project.
func (s *Store) LatestBuild(ctx context.Context, projectID string) (*BuildRecord, error) {
	var rec BuildRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("finished_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFiles returns a build's files ordered by path. withContent controls
// whether file bodies are loaded.
func (s *Store) ListFiles(ctx context.Context, buildID string, withContent bool) ([]FileRecord, error) {
	q := s.db.WithContext(ctx).Where("build_id = ?", buildID).Order("path")
	if !withContent {
		q = q.Select("id", "build_id", "path", "size")
	}
	var files []FileRecord
	if err := q.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// PlanOf decodes the stored plan of a build.
func (r *BuildRecord) PlanOf() (*pipeline.BuildPlan, error) {
	if r.Plan == "" || r.Plan == "null" {
		return nil, nil
	}
	var p pipeline.BuildPlan
	if err := json.Unmarshal([]byte(r.Plan), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ErrorsOf decodes the stored error history of a build.
func (r *BuildRecord) ErrorsOf() ([]pipeline.ErrorEntry, error) {
	if r.Errors == "" || r.Errors == "null" {
		return nil, nil
	}
	var out []pipeline.ErrorEntry
	if err := json.Unmarshal([]byte(r.Errors), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Counters rebuilds the retry counters of a build.
func (r *BuildRecord) Counters() pipeline.Counters {
	return pipeline.Counters{
		Import:         r.ImportRetries,
		Validation:     r.ValidationRetries,
		Runtime:        r.RuntimeRetries,
		Planning:       r.PlanningRetries,
		Infrastructure: r.InfrastructureRetries,
	}
}

// SaveContract inserts or replaces the contract of a project.
func (s *Store) SaveContract(ctx context.Context, c *ContractRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "network", "chain_id", "abi", "source", "job_id", "transaction_hash", "explorer_url", "status", "error", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("save contract of project %s: %w", c.ProjectID, err)
	}
	return nil
}

// GetContract loads the contract of a project.
func (s *Store) GetContract(ctx context.Context, projectID string) (*ContractRecord, error) {
	var c ContractRecord
	err := s.db.WithContext(ctx).First(&c, "project_id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Stats counts the rows of each table.
type Stats struct {
	Builds    int64 `json:"builds"`
	Files     int64 `json:"files"`
	Contracts int64 `json:"contracts"`
}

// Stats reports table sizes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&BuildRecord{}).Count(&st.Builds).Error; err != nil {
		return st, err
	}
	if err := db.Model(&FileRecord{}).Count(&st.Files).Error; err != nil {
		return st, err
	}
	if err := db.Model(&ContractRecord{}).Count(&st.Contracts).Error; err != nil {
		return st, err
	}
	return st, nil
}

// PruneBuilds deletes builds that finished before cutoff, with their files,
// and returns how many builds were removed.
func (s *Store) PruneBuilds(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&BuildRecord{}).Select("id").Where("finished_at < ?", cutoff)
		if err := tx.Where("build_id IN (?)", old).Delete(&FileRecord{}).Error; err != nil {
			return fmt.Errorf("prune files: %w", err)
		}
		res := tx.Where("finished_at < ?", cutoff).Delete(&BuildRecord{})
		if res.Error != nil {
			return fmt.Errorf("prune builds: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("pruned finished builds", zap.Int64("count", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}
