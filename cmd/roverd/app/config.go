package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openrover/roverd/internal/nav"
)

// Config represents the main application configuration
type Config struct {
	Settings SettingsConfig `yaml:"settings"`
	Nav      NavConfig      `yaml:"nav"`
	GPS      GPSConfig      `yaml:"gps"`
	Gyro     GyroConfig     `yaml:"gyro"`
	Vision   VisionConfig   `yaml:"vision"`
	Motor    MotorConfig    `yaml:"motor"`
	Comm     CommConfig     `yaml:"comm"`
	Storage  StorageConfig  `yaml:"storage"`
}

// SettingsConfig represents global application settings
type SettingsConfig struct {
	LogLevel string `yaml:"logLevel"`
}

// NavConfig represents the navigation engine parameters
type NavConfig struct {
	ArriveDistanceMeters    float64 `yaml:"arriveDistanceMeters"`
	RebearingDistanceMeters float64 `yaml:"rebearingDistanceMeters"`
	ScoreThreshold          float64 `yaml:"scoreThreshold"`
	TurnDecay               float64 `yaml:"turnDecay"`
	SideWindow              int     `yaml:"sideWindow"`
	CenterWindow            int     `yaml:"centerWindow"`
	UseGPS                  bool    `yaml:"useGPS"`
	StartManual             bool    `yaml:"startManual"`
	MaxTableLookups         int     `yaml:"maxTableLookups"`
	MaxTurnAttempts         int     `yaml:"maxTurnAttempts"`
	GyroTimeoutSeconds      float64 `yaml:"gyroTimeoutSeconds"`
}

// GPSConfig represents the GPS receiver settings
type GPSConfig struct {
	SerialPort string `yaml:"serialPort"`
	BaudRate   int    `yaml:"baudRate"`
	FixSamples int    `yaml:"fixSamples"`
}

// GyroConfig represents the IMU settings
type GyroConfig struct {
	SerialPort       string `yaml:"serialPort"`
	BaudRate         int    `yaml:"baudRate"`
	TurnWindowMillis int    `yaml:"turnWindowMillis"`
}

// VisionConfig represents the classifier frame stream settings
type VisionConfig struct {
	FramePath string `yaml:"framePath"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
}

// MotorConfig represents the motor unit transport settings
type MotorConfig struct {
	Device              string `yaml:"device"`
	PulseIntervalMillis int    `yaml:"pulseIntervalMillis"`
}

// CommConfig represents the operator endpoint settings
type CommConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// LoadConfig reads and validates the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Vision.FramePath == "" {
		return fmt.Errorf("vision.framePath is required")
	}
	if c.Vision.Width <= 0 || c.Vision.Height <= 0 {
		return fmt.Errorf("vision dimensions %dx%d are invalid", c.Vision.Width, c.Vision.Height)
	}
	if c.Vision.Height%2 != 0 {
		return fmt.Errorf("vision.height must be even, got %d", c.Vision.Height)
	}
	if c.Motor.Device == "" {
		return fmt.Errorf("motor.device is required")
	}
	if c.Gyro.SerialPort == "" {
		return fmt.Errorf("gyro.serialPort is required")
	}
	if c.Nav.UseGPS && c.GPS.SerialPort == "" {
		return fmt.Errorf("gps.serialPort is required when nav.useGPS is set")
	}
	if c.Comm.ListenAddr == "" {
		return fmt.Errorf("comm.listenAddr is required")
	}
	return nil
}

// Level parses the configured log level, defaulting to info.
func (s SettingsConfig) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EngineConfig maps the nav section onto the engine's parameter set.
func (c *Config) EngineConfig() nav.Config {
	return nav.Config{
		ArriveDistance:    c.Nav.ArriveDistanceMeters,
		RebearingDistance: c.Nav.RebearingDistanceMeters,
		ScoreThreshold:    c.Nav.ScoreThreshold,
		TurnDecay:         c.Nav.TurnDecay,
		SideWindow:        c.Nav.SideWindow,
		CenterWindow:      c.Nav.CenterWindow,
		UseGPS:            c.Nav.UseGPS,
		StartManual:       c.Nav.StartManual,
		MaxTableLookups:   c.Nav.MaxTableLookups,
		MaxTurnAttempts:   c.Nav.MaxTurnAttempts,
		GyroTimeout:       time.Duration(c.Nav.GyroTimeoutSeconds * float64(time.Second)),
	}
}
