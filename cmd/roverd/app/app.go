// Package app wires the rover control process: the shared-memory registry,
// the node set and the message router, with a sqlite session log underneath.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/mission"
	"github.com/openrover/roverd/internal/nav"
	"github.com/openrover/roverd/internal/node"
	"github.com/openrover/roverd/internal/shm"
	"github.com/openrover/roverd/internal/storage"
)

const storageDir = "data"

// Run builds the node graph from the configuration and drives the router
// until the context ends or a kill request arrives. configPath is kept so
// the engine can re-read its parameters on request.
func Run(ctx context.Context, config *Config, configPath string, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer store.Close()

	sessionID, err := store.CreateSession(ctx, "roverd", config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	recorder := storage.NewRecorder(store, sessionID, logger)
	defer recorder.Close()

	registry := shm.NewRegistry()
	queue := mission.New()
	router := bus.New(queue, logger, bus.WithMissionLog(recorder))

	nodes, err := createNodes(config, configPath, registry, recorder, logger)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := router.Attach(n); err != nil {
			return fmt.Errorf("attaching %s node: %w", n.ID(), err)
		}
	}

	logger.Info("control process starting", slog.Int64("session", sessionID))
	runErr := router.Run(ctx)

	logSessionSummary(store, sessionID, logger)
	return runErr
}

// createNodes builds every node. Region owners (gyro, gps, vision) must be
// constructed before the engine, which opens their regions.
func createNodes(config *Config, configPath string, registry *shm.Registry, recorder *storage.Recorder, logger *slog.Logger) ([]bus.Node, error) {
	var nodes []bus.Node

	rate, err := node.OpenSerialRate(config.Gyro.SerialPort, config.Gyro.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("creating gyro node: %w", err)
	}
	var gyroOpts []func(*node.Gyro)
	if config.Gyro.TurnWindowMillis > 0 {
		gyroOpts = append(gyroOpts, node.WithTurnWindow(time.Duration(config.Gyro.TurnWindowMillis)*time.Millisecond))
	}
	gyro, err := node.NewGyro(registry, rate, logger, gyroOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gyro node: %w", err)
	}
	nodes = append(nodes, gyro)

	if config.Nav.UseGPS {
		receiver, err := node.OpenNMEA(config.GPS.SerialPort, config.GPS.BaudRate)
		if err != nil {
			return nil, fmt.Errorf("creating gps node: %w", err)
		}
		var gpsOpts []func(*node.GPS)
		if config.GPS.FixSamples > 0 {
			gpsOpts = append(gpsOpts, node.WithFixSamples(config.GPS.FixSamples))
		}
		gps, err := node.NewGPS(registry, receiver, logger, gpsOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating gps node: %w", err)
		}
		nodes = append(nodes, gps)
	}

	frames, err := node.OpenFileFrames(config.Vision.FramePath, config.Vision.Width, config.Vision.Height)
	if err != nil {
		return nil, fmt.Errorf("creating vision node: %w", err)
	}
	vision, err := node.NewVision(registry, frames, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vision node: %w", err)
	}
	nodes = append(nodes, vision)

	motor, err := node.OpenFileMotor(config.Motor.Device)
	if err != nil {
		return nil, fmt.Errorf("creating actuator node: %w", err)
	}
	var motorOpts []func(*node.Actuator)
	if config.Motor.PulseIntervalMillis > 0 {
		motorOpts = append(motorOpts, node.WithPulseInterval(time.Duration(config.Motor.PulseIntervalMillis)*time.Millisecond))
	}
	nodes = append(nodes, node.NewActuator(motor, logger, motorOpts...))

	engine, err := nav.NewEngine(registry, config.EngineConfig(), logger,
		nav.WithDecisionLog(recorder),
		nav.WithReload(func() (nav.Config, error) {
			fresh, err := LoadConfig(configPath)
			if err != nil {
				return nav.Config{}, err
			}
			return fresh.EngineConfig(), nil
		}))
	if err != nil {
		return nil, fmt.Errorf("creating navigation node: %w", err)
	}
	nodes = append(nodes, engine)

	nodes = append(nodes, node.NewComm(config.Comm.ListenAddr, logger))
	return nodes, nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current working directory: %w", err)
	}

	dbPath := filepath.Join(wd, storageDir)
	if config.DataDirectory != "" {
		dbPath = config.DataDirectory
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(wd, dbPath)
		}
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage directory %q: %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("storage path %q is not a directory", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("rover_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}

// logSessionSummary reports what the run left behind. Failures here are
// logged and swallowed; the run's own error matters more.
func logSessionSummary(store storage.Store, sessionID int64, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := store.MissionEvents(ctx, sessionID)
	if err != nil {
		logger.Warn("session summary unavailable", slog.Any("error", err))
		return
	}
	records, err := store.DriveRecords(ctx, sessionID)
	if err != nil {
		logger.Warn("session summary unavailable", slog.Any("error", err))
		return
	}

	logger.Info("session complete",
		slog.Int64("session", sessionID),
		slog.String("mission_events", humanize.Comma(int64(len(events)))),
		slog.String("drive_commands", humanize.Comma(int64(len(records)))))
}
