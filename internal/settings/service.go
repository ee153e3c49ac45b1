// Package settings persists user-tunable runtime options in the settings
// table, layered over the static configuration defaults.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/config"
)

// Setting keys.
const (
	KeyOutputRoot         = "download.output_root"
	KeyMaxConcurrentTasks = "download.max_concurrent_tasks"
	KeyStartDelaySeconds  = "download.start_delay_seconds"
	KeyMaxRetries         = "download.max_retries"
	KeyMaxHistoryItems    = "download.max_history_items"
	KeyStrictImport       = "download.strict_import"
)

// Settings is the user-tunable slice of the download configuration.
type Settings struct {
	OutputRoot         string `json:"outputRoot"`
	MaxConcurrentTasks int    `json:"maxConcurrentTasks"`
	StartDelaySeconds  int    `json:"startDelaySeconds"`
	MaxRetries         int    `json:"maxRetries"`
	MaxHistoryItems    int    `json:"maxHistoryItems"`
	StrictImport       bool   `json:"strictImport"`
}

// Service reads and writes settings rows.
type Service struct {
	db       *sql.DB
	defaults config.DownloadConfig
	logger   zerolog.Logger
}

// NewService creates a settings service with the given static defaults.
func NewService(db *sql.DB, defaults config.DownloadConfig, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		defaults: defaults,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Get returns the effective settings: stored values where present, static
// configuration defaults otherwise.
func (s *Service) Get(ctx context.Context) (*Settings, error) {
	out := &Settings{
		OutputRoot:         s.defaults.OutputRoot,
		MaxConcurrentTasks: s.defaults.MaxConcurrentTasks,
		StartDelaySeconds:  int(s.defaults.StartDelay / time.Second),
		MaxRetries:         s.defaults.MaxRetries,
		MaxHistoryItems:    s.defaults.MaxHistoryItems,
		StrictImport:       s.defaults.StrictImport,
	}

	if val, err := s.getString(ctx, KeyOutputRoot); err == nil && val != "" {
		out.OutputRoot = val
	}
	if val, err := s.getInt(ctx, KeyMaxConcurrentTasks); err == nil {
		out.MaxConcurrentTasks = val
	}
	if val, err := s.getInt(ctx, KeyStartDelaySeconds); err == nil {
		out.StartDelaySeconds = val
	}
	if val, err := s.getInt(ctx, KeyMaxRetries); err == nil {
		out.MaxRetries = val
	}
	if val, err := s.getInt(ctx, KeyMaxHistoryItems); err == nil {
		out.MaxHistoryItems = val
	}
	if val, err := s.getBool(ctx, KeyStrictImport); err == nil {
		out.StrictImport = val
	}
	return out, nil
}

// Update validates and stores the full settings set.
func (s *Service) Update(ctx context.Context, in Settings) error {
	if in.OutputRoot == "" {
		return errors.New("output root must not be empty")
	}
	if in.MaxConcurrentTasks < 1 || in.MaxConcurrentTasks > 10 {
		return errors.New("max concurrent tasks must be between 1 and 10")
	}
	if in.StartDelaySeconds < 0 || in.StartDelaySeconds > 300 {
		return errors.New("start delay must be between 0 and 300 seconds")
	}
	if in.MaxRetries < 0 || in.MaxRetries > 10 {
		return errors.New("max retries must be between 0 and 10")
	}
	if in.MaxHistoryItems < 10 {
		return errors.New("max history items must be at least 10")
	}

	pairs := map[string]string{
		KeyOutputRoot:         in.OutputRoot,
		KeyMaxConcurrentTasks: strconv.Itoa(in.MaxConcurrentTasks),
		KeyStartDelaySeconds:  strconv.Itoa(in.StartDelaySeconds),
		KeyMaxRetries:         strconv.Itoa(in.MaxRetries),
		KeyMaxHistoryItems:    strconv.Itoa(in.MaxHistoryItems),
		KeyStrictImport:       strconv.FormatBool(in.StrictImport),
	}
	for key, val := range pairs {
		if err := s.setString(ctx, key, val); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
	}
	return nil
}

// Download converts the effective settings back into a DownloadConfig for
// engine construction.
func (s *Service) Download(ctx context.Context) (config.DownloadConfig, error) {
	eff, err := s.Get(ctx)
	if err != nil {
		return s.defaults, err
	}
	return config.DownloadConfig{
		OutputRoot:         eff.OutputRoot,
		MaxConcurrentTasks: eff.MaxConcurrentTasks,
		StartDelay:         time.Duration(eff.StartDelaySeconds) * time.Second,
		MaxRetries:         eff.MaxRetries,
		MaxHistoryItems:    eff.MaxHistoryItems,
		StrictImport:       eff.StrictImport,
	}, nil
}

func (s *Service) getString(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	return val, err
}

func (s *Service) getInt(ctx context.Context, key string) (int, error) {
	val, err := s.getString(ctx, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

func (s *Service) getBool(ctx context.Context, key string) (bool, error) {
	val, err := s.getString(ctx, key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(val)
}

func (s *Service) setString(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}
