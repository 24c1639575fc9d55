package svc

import (
	"context"
	"encoding/json"
	"sync"

	"cryptex/cfg"
	"cryptex/pkg/domain"
	"cryptex/svc/db"

	"github.com/pkg/errors"
)

const settingsKey = "settings"

// Settings serves the runtime-editable limits. Env vars set away from
// their built-in default win over values stored through the admin API.
type Settings struct {
	db  *db.SQLite
	cfg *cfg.Cfg

	mu     sync.RWMutex
	cached *domain.Settings
}

func newSettings(d *db.SQLite, c *cfg.Cfg) *Settings {
	return &Settings{db: d, cfg: c}
}

func (s *Settings) Get(ctx context.Context) (domain.Settings, error) {
	s.mu.RLock()
	if s.cached != nil {
		out := *s.cached
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	merged := s.cfg.Settings
	raw, ok, err := s.db.GetSetting(ctx, settingsKey)
	if err != nil {
		return merged, err
	}
	if ok {
		var stored domain.Settings
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return merged, errors.Wrap(err, "decode settings")
		}
		merged = s.apply(stored)
	}
	s.mu.Lock()
	s.cached = &merged
	s.mu.Unlock()
	return merged, nil
}

func (s *Settings) apply(stored domain.Settings) domain.Settings {
	out := s.cfg.Settings
	ov := s.cfg.SettingsOverrides
	if !ov["MODE"] && stored.Mode != "" {
		out.Mode = stored.Mode
	}
	if !ov["MAX_MESSAGE_LENGTH"] && stored.MaxMessageLength > 0 {
		out.MaxMessageLength = stored.MaxMessageLength
	}
	if !ov["MAX_FILE_COUNT"] && stored.MaxFileCount > 0 {
		out.MaxFileCount = stored.MaxFileCount
	}
	if !ov["MAX_FILE_SIZE"] && stored.MaxFileSize > 0 {
		out.MaxFileSize = stored.MaxFileSize
	}
	if !ov["MAX_EXPIRATION"] && stored.MaxExpiration > 0 {
		out.MaxExpiration = stored.MaxExpiration
	}
	return out
}

// Update validates and persists a new set of limits and returns the
// effective result.
func (s *Settings) Update(ctx context.Context, next domain.Settings) (domain.Settings, error) {
	if err := cfg.ValidateSettings(next); err != nil {
		return domain.Settings{}, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return domain.Settings{}, errors.Wrap(err, "encode settings")
	}
	if err := s.db.PutSetting(ctx, settingsKey, string(raw)); err != nil {
		return domain.Settings{}, err
	}
	merged := s.apply(next)
	s.mu.Lock()
	s.cached = &merged
	s.mu.Unlock()
	return merged, nil
}
