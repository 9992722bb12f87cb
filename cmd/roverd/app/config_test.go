package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
settings:
  logLevel: debug
nav:
  arriveDistanceMeters: 3.5
  rebearingDistanceMeters: 10
  scoreThreshold: 45
  turnDecay: 0.85
  useGPS: true
  gyroTimeoutSeconds: 2.5
gps:
  serialPort: /dev/ttyUSB0
  baudRate: 9600
  fixSamples: 5
gyro:
  serialPort: /dev/ttyUSB1
  baudRate: 115200
vision:
  framePath: /tmp/frames.raw
  width: 64
  height: 48
motor:
  device: /tmp/motor.out
comm:
  listenAddr: :8080
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if config.Settings.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want %v", config.Settings.Level(), slog.LevelDebug)
	}
	if config.Vision.Width != 64 || config.Vision.Height != 48 {
		t.Errorf("vision dimensions = %dx%d, want 64x48", config.Vision.Width, config.Vision.Height)
	}
	if !config.Nav.UseGPS {
		t.Error("nav.useGPS not parsed")
	}
	if config.GPS.SerialPort != "/dev/ttyUSB0" {
		t.Errorf("gps.serialPort = %q", config.GPS.SerialPort)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing frame path",
			mutate:  func(s string) string { return strings.Replace(s, "framePath: /tmp/frames.raw", "framePath: ''", 1) },
			wantErr: "vision.framePath",
		},
		{
			name:    "odd mask height",
			mutate:  func(s string) string { return strings.Replace(s, "height: 48", "height: 47", 1) },
			wantErr: "must be even",
		},
		{
			name:    "missing motor device",
			mutate:  func(s string) string { return strings.Replace(s, "device: /tmp/motor.out", "device: ''", 1) },
			wantErr: "motor.device",
		},
		{
			name:    "gps port required with useGPS",
			mutate:  func(s string) string { return strings.Replace(s, "serialPort: /dev/ttyUSB0", "serialPort: ''", 1) },
			wantErr: "gps.serialPort",
		},
		{
			name:    "missing listen address",
			mutate:  func(s string) string { return strings.Replace(s, "listenAddr: :8080", "listenAddr: ''", 1) },
			wantErr: "comm.listenAddr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.mutate(validConfig)))
			if err == nil {
				t.Fatal("LoadConfig() accepted an invalid configuration")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEngineConfigMapping(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	engine := config.EngineConfig()
	if engine.ArriveDistance != 3.5 {
		t.Errorf("ArriveDistance = %v, want 3.5", engine.ArriveDistance)
	}
	if engine.GyroTimeout != 2500*time.Millisecond {
		t.Errorf("GyroTimeout = %v, want 2.5s", engine.GyroTimeout)
	}
	if !engine.UseGPS {
		t.Error("UseGPS not carried over")
	}
}
