// Package config provides configuration management for the mapkvm daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mapkvm/internal/device"
	"mapkvm/internal/input"
)

// ErrInvalid is returned when a configuration fails validation
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	// General contains daemon-wide settings
	General GeneralConfig `json:"general"`

	// Input tunes movement decoding
	Input InputConfig `json:"input"`

	// Device tunes the emulated keyboard and mouse
	Device DeviceConfig `json:"device"`

	// Machine configures the emulator process
	Machine MachineConfig `json:"machine"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	// APIEnabled enables the HTTP/WebSocket operator API
	APIEnabled bool `json:"api_enabled"`

	// APIPort is the port for the API server (default: 18090)
	APIPort int `json:"api_port" env:"MAPKVM_API_PORT"`

	// APIToken is an optional authentication token for API requests
	APIToken string `json:"api_token" env:"MAPKVM_API_TOKEN"`

	// SamplePort is the UDP port position samples arrive on (0 disables)
	SamplePort int `json:"sample_port" env:"MAPKVM_SAMPLE_PORT"`

	// ImagesDir holds the bootable .img/.iso files and images.ini
	ImagesDir string `json:"images_dir" env:"MAPKVM_IMAGES_DIR"`

	// ShowTray shows the system tray icon
	ShowTray bool `json:"show_tray"`

	// CommandRate is the sustained number of commands per second per client
	CommandRate float64 `json:"command_rate"`

	// CommandBurst is the number of commands a client may send at once
	CommandBurst int `json:"command_burst"`
}

// InputConfig contains the movement decoder thresholds
type InputConfig struct {
	JumpRise       float64 `json:"jump_rise"`
	JumpFall       float64 `json:"jump_fall"`
	JumpCooldown   int     `json:"jump_cooldown"`
	MoveEpsilon    float64 `json:"move_epsilon"`
	MoveCooldown   int     `json:"move_cooldown"`
	TeleportDistSq float64 `json:"teleport_dist_sq"`

	// TickRate is the number of decode ticks per second
	TickRate int `json:"tick_rate" env:"MAPKVM_TICK_RATE"`

	// QueueCapacity bounds the samples buffered per actor between ticks
	QueueCapacity int `json:"queue_capacity"`
}

// DeviceConfig contains cursor and timing settings
type DeviceConfig struct {
	MouseSpeed      int `json:"mouse_speed"`
	MouseSpeedSlow  int `json:"mouse_speed_slow"`
	TapHoldMs       int `json:"tap_hold_ms"`
	ClickHoldMs     int `json:"click_hold_ms"`
	ClickIntervalMs int `json:"click_interval_ms"`
	CLIEnterDelayMs int `json:"cli_enter_delay_ms"`

	// DisplayWidth and DisplayHeight apply until the machine reports its mode
	DisplayWidth  int `json:"display_width"`
	DisplayHeight int `json:"display_height"`
}

// MachineConfig configures the emulator process
type MachineConfig struct {
	// QEMUBinary is the emulator executable
	QEMUBinary string `json:"qemu_binary" env:"MAPKVM_QEMU_BINARY"`

	// ExtraArgs are appended to the emulator command line
	ExtraArgs []string `json:"extra_args"`

	// FramePollMs is how often the screen is captured
	FramePollMs int `json:"frame_poll_ms"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	th := input.DefaultThresholds()
	opts := device.DefaultOptions()
	return &Config{
		General: GeneralConfig{
			APIEnabled:   true,
			APIPort:      18090,
			SamplePort:   18091,
			ImagesDir:    defaultImagesDir(),
			ShowTray:     true,
			CommandRate:  20,
			CommandBurst: 40,
		},
		Input: InputConfig{
			JumpRise:       th.JumpRise,
			JumpFall:       th.JumpFall,
			JumpCooldown:   th.JumpCooldown,
			MoveEpsilon:    th.MoveEpsilon,
			MoveCooldown:   th.MoveCooldown,
			TeleportDistSq: th.TeleportDistSq,
			TickRate:       30,
			QueueCapacity:  64,
		},
		Device: DeviceConfig{
			MouseSpeed:      opts.Speed,
			MouseSpeedSlow:  opts.SlowSpeed,
			TapHoldMs:       int(opts.TapHold / time.Millisecond),
			ClickHoldMs:     int(opts.ClickHold / time.Millisecond),
			ClickIntervalMs: int(opts.ClickInterval / time.Millisecond),
			CLIEnterDelayMs: 50,
			DisplayWidth:    opts.Width,
			DisplayHeight:   opts.Height,
		},
		Machine: MachineConfig{
			QEMUBinary:  "qemu-system-i386",
			FramePollMs: 33,
		},
	}
}

// Thresholds converts the input section for the decoder.
func (c InputConfig) Thresholds() input.Thresholds {
	return input.Thresholds{
		JumpRise:       c.JumpRise,
		JumpFall:       c.JumpFall,
		JumpCooldown:   c.JumpCooldown,
		MoveEpsilon:    c.MoveEpsilon,
		MoveCooldown:   c.MoveCooldown,
		TeleportDistSq: c.TeleportDistSq,
	}
}

// Options converts the device section for the facade.
func (c DeviceConfig) Options() device.Options {
	return device.Options{
		Width:         c.DisplayWidth,
		Height:        c.DisplayHeight,
		Speed:         c.MouseSpeed,
		SlowSpeed:     c.MouseSpeedSlow,
		TapHold:       time.Duration(c.TapHoldMs) * time.Millisecond,
		ClickHold:     time.Duration(c.ClickHoldMs) * time.Millisecond,
		ClickInterval: time.Duration(c.ClickIntervalMs) * time.Millisecond,
	}
}

// CLIEnterDelay is the pause between typing a cli command and pressing Enter.
func (c DeviceConfig) CLIEnterDelay() time.Duration {
	return time.Duration(c.CLIEnterDelayMs) * time.Millisecond
}

// FramePoll is the screen capture interval.
func (c MachineConfig) FramePoll() time.Duration {
	return time.Duration(c.FramePollMs) * time.Millisecond
}

// Validate checks values the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.General.APIPort < 0 || c.General.APIPort > 65535:
		return fmt.Errorf("%w: api_port %d", ErrInvalid, c.General.APIPort)
	case c.General.SamplePort < 0 || c.General.SamplePort > 65535:
		return fmt.Errorf("%w: sample_port %d", ErrInvalid, c.General.SamplePort)
	case c.Input.TickRate <= 0:
		return fmt.Errorf("%w: tick_rate must be positive", ErrInvalid)
	case c.Input.JumpFall >= c.Input.JumpRise:
		return fmt.Errorf("%w: jump_fall must be below jump_rise", ErrInvalid)
	case c.Input.JumpCooldown < 0 || c.Input.MoveCooldown < 0:
		return fmt.Errorf("%w: cooldowns must not be negative", ErrInvalid)
	case c.Device.DisplayWidth <= 0 || c.Device.DisplayHeight <= 0:
		return fmt.Errorf("%w: display size %dx%d", ErrInvalid, c.Device.DisplayWidth, c.Device.DisplayHeight)
	case c.Device.MouseSpeed <= 0 || c.Device.MouseSpeedSlow <= 0:
		return fmt.Errorf("%w: mouse speeds must be positive", ErrInvalid)
	}
	return nil
}

// ParseEnv applies MAPKVM_* environment overrides to cfg.
func ParseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func()
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(configPath), nil
}

// NewManagerAt creates a manager backed by an explicit file
func NewManagerAt(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     DefaultConfig(),
	}
}

// Path returns the configuration file location
func (m *Manager) Path() string {
	return m.configPath
}

func configDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "mapkvm"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "mapkvm"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "mapkvm"), nil
	}
}

// getConfigPath returns the path to the configuration file
func getConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func defaultImagesDir() string {
	dir, err := configDir()
	if err != nil {
		return "images"
	}
	return filepath.Join(dir, "images")
}

// Load reads the configuration from disk and applies environment overrides
func (m *Manager) Load() error {
	m.mu.Lock()
	cfg := DefaultConfig()
	data, err := os.ReadFile(m.configPath)
	switch {
	case os.IsNotExist(err):
		// No config file, use defaults
	case err != nil:
		m.mu.Unlock()
		return err
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to parse %s: %w", m.configPath, err)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = cfg
	onChanged := m.onChanged
	m.mu.Unlock()

	if onChanged != nil {
		onChanged()
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}

	log.Printf("Config: Saving configuration to %s (%d bytes)", m.configPath, len(data))
	return os.WriteFile(m.configPath, data, 0644)
}

// Get returns the current configuration. The returned value is replaced, not
// modified, by Set and Patch.
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Set updates the configuration
func (m *Manager) Set(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = config
	onChanged := m.onChanged
	m.mu.Unlock()
	if onChanged != nil {
		onChanged()
	}
	return nil
}

// Value reads a single setting by JSON path, e.g. "input.tick_rate".
func (m *Manager) Value(path string) (gjson.Result, error) {
	m.mu.Lock()
	data, err := json.Marshal(m.config)
	m.mu.Unlock()
	if err != nil {
		return gjson.Result{}, err
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return res, fmt.Errorf("%w: unknown setting %q", ErrInvalid, path)
	}
	return res, nil
}

// Patch changes a single setting by JSON path. Unknown paths and values that
// fail validation leave the configuration untouched.
func (m *Manager) Patch(path string, value any) error {
	m.mu.Lock()
	data, err := json.Marshal(m.config)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !gjson.GetBytes(data, path).Exists() {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown setting %q", ErrInvalid, path)
	}
	data, err = sjson.SetBytes(data, path, value)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	next := &Config{}
	if err := json.Unmarshal(data, next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = next
	onChanged := m.onChanged
	m.mu.Unlock()

	log.Printf("Config: Set %s", path)
	if onChanged != nil {
		onChanged()
	}
	return nil
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}
