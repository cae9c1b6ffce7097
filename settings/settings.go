package settings

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// Settings contains every tunable used by the latency tracker and the knockback pipeline.
type Settings struct {
	Latency struct {
		// DefaultMs is the latency reported for players that have no samples yet.
		DefaultMs int64 `toml:"default_ms"`
		// MaxSampleMs is the ceiling above which an RTT sample is considered absurd and discarded.
		MaxSampleMs int64 `toml:"max_sample_ms"`
		// Smoothing is the EMA factor applied to new samples, in (0, 1].
		Smoothing float64 `toml:"smoothing"`
		// PingInterval is the amount of ticks between two latency samples of the same player.
		PingInterval int64 `toml:"ping_interval"`
	} `toml:"latency"`
	Knockback struct {
		Enabled bool `toml:"enabled"`
		// NegligibleMs is the latency under which knockback is passed through untouched.
		NegligibleMs int64 `toml:"negligible_ms"`
		// WindowMultiplier scales the latency before it is converted to a window in ticks.
		WindowMultiplier float64 `toml:"window_multiplier"`
		// WindowOffset is added to the window after conversion to ticks.
		WindowOffset int64 `toml:"window_offset"`
		MaxWindow    int64 `toml:"max_window"`
		// DelayScale is the share of the window a compensated knockback is held for.
		DelayScale float64 `toml:"delay_scale"`
		// BypassResistance suppresses the host's own knockback and re-issues the compensated vector.
		BypassResistance bool `toml:"bypass_resistance"`
		// OffGroundSync replaces the vertical knockback of players predicted to land before the
		// knockback reaches them.
		OffGroundSync     bool    `toml:"off_ground_sync"`
		GroundHeight      float64 `toml:"ground_height"`
		MaxGroundDistance float64 `toml:"max_ground_distance"`
	} `toml:"knockback"`
	Messages struct {
		Reload string `toml:"reload"`
	} `toml:"messages"`
}

// DefaultLatency returns the latency reported for players without samples.
func (s Settings) DefaultLatency() time.Duration {
	return time.Duration(s.Latency.DefaultMs) * time.Millisecond
}

// MaxSample returns the largest RTT sample that is accepted.
func (s Settings) MaxSample() time.Duration {
	return time.Duration(s.Latency.MaxSampleMs) * time.Millisecond
}

// NegligibleLatency returns the latency under which no compensation happens.
func (s Settings) NegligibleLatency() time.Duration {
	return time.Duration(s.Knockback.NegligibleMs) * time.Millisecond
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	s := Settings{}
	s.Latency.DefaultMs = 0
	s.Latency.MaxSampleMs = 5000
	s.Latency.Smoothing = 0.25
	s.Latency.PingInterval = 20

	s.Knockback.Enabled = true
	s.Knockback.NegligibleMs = 100
	s.Knockback.WindowMultiplier = 1
	s.Knockback.WindowOffset = 0
	s.Knockback.MaxWindow = 20
	s.Knockback.DelayScale = 0.5
	s.Knockback.BypassResistance = true
	s.Knockback.OffGroundSync = true
	s.Knockback.GroundHeight = 0.4
	s.Knockback.MaxGroundDistance = 6

	s.Messages.Reload = "&aKnockbackSync config reloaded."
	return s
}

// Validate clamps every out of range value back into its valid range.
func (s *Settings) Validate() {
	if s.Latency.DefaultMs < 0 {
		s.Latency.DefaultMs = 0
	}
	if s.Latency.MaxSampleMs <= 0 {
		s.Latency.MaxSampleMs = 5000
	}
	if s.Latency.Smoothing <= 0 || s.Latency.Smoothing > 1 {
		s.Latency.Smoothing = 0.25
	}
	if s.Latency.PingInterval < 1 {
		s.Latency.PingInterval = 1
	}
	if s.Knockback.NegligibleMs < 0 {
		s.Knockback.NegligibleMs = 0
	}
	if s.Knockback.WindowMultiplier < 0 {
		s.Knockback.WindowMultiplier = 0
	}
	if s.Knockback.MaxWindow < 0 {
		s.Knockback.MaxWindow = 0
	}
	if s.Knockback.DelayScale < 0 {
		s.Knockback.DelayScale = 0
	} else if s.Knockback.DelayScale > 1 {
		s.Knockback.DelayScale = 1
	}
	if s.Knockback.MaxGroundDistance < 0 {
		s.Knockback.MaxGroundDistance = 0
	}
}

// SaveDefault will create and save the default settings file. If the file already exists, it will return an error.
func SaveDefault(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return errors.New("settings file already exists")
	}
	data, err := toml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("failed encoding default settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed creating settings file: %w", err)
	}
	return nil
}

// Load will load the settings from your settings file, and return an error if the file does not exist.
// Keys missing from the file keep their default value.
func Load(path string) (Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Settings{}, errors.New("settings file doesn't exist")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("error reading settings: %w", err)
	}

	s := DefaultSettings()
	if err = toml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("error decoding settings: %w", err)
	}
	s.Validate()
	return s, nil
}

// Source supplies the settings currently in effect.
type Source interface {
	Settings() Settings
}

// Static is a Source that always returns the same settings.
type Static Settings

// Settings ...
func (s Static) Settings() Settings {
	return Settings(s)
}

// Manager owns the settings file and the settings currently in effect. It is safe for concurrent use.
type Manager struct {
	log  *logrus.Logger
	path string

	mu sync.RWMutex
	s  Settings
}

// NewManager loads the settings at path, creating the file with the default settings first if it
// does not exist yet.
func NewManager(log *logrus.Logger, path string) (*Manager, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveDefault(path); err != nil {
			return nil, err
		}
		log.Infof("created default settings at %s", path)
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{log: log, path: path, s: s}, nil
}

// Settings returns a copy of the settings currently in effect.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s
}

// Reload reads the settings file again and returns the configured reload message. The settings in
// effect are left untouched if the file cannot be read.
func (m *Manager) Reload() (string, error) {
	s, err := Load(m.path)
	if err != nil {
		return "", fmt.Errorf("reload %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()

	m.log.Infof("reloaded settings from %s", m.path)
	return s.Messages.Reload, nil
}
