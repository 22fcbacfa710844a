package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hbomb79/Crunch/internal/api"
	"github.com/hbomb79/Crunch/internal/database"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/hbomb79/Crunch/internal/follower"
	"github.com/hbomb79/Crunch/internal/notify"
	"github.com/ilyakaznacheev/cleanenv"
)

type InstanceMode string

const (
	// ModeStandalone runs the full stack in one process with a local worker.
	ModeStandalone InstanceMode = "standalone"
	// ModeLeader owns the queue and database but runs no transcodes itself;
	// work is forwarded to followers.
	ModeLeader InstanceMode = "leader"
	// ModeFollower runs transcodes on behalf of a leader and holds no state.
	ModeFollower InstanceMode = "follower"
)

// CrunchConfig is the user-supplied configuration, loaded from an optional
// YAML file with environment variable overrides on top.
type CrunchConfig struct {
	InstanceMode    string `yaml:"instance_mode" env:"INSTANCE_MODE" env-default:"standalone"`
	UploadDir       string `yaml:"upload_dir" env:"UPLOAD_DIR" env-default:"./uploads"`
	OutputDir       string `yaml:"output_dir" env:"OUTPUT_DIR" env-default:"./outputs"`
	CheckIntervalMS int    `yaml:"check_interval_ms" env:"CHECK_INTERVAL_MS" env-default:"60000"`
	WorkerCount     int    `yaml:"worker_count" env:"WORKER_COUNT" env-default:"1"`

	// Followers is the comma-separated list of follower conduit URLs a
	// leader dials (e.g. 'ws://10.0.0.2:8081/worker/ws/').
	Followers string `yaml:"followers" env:"FOLLOWERS"`

	Database      database.DatabaseConfig `yaml:"database"`
	Rest          api.RestConfig          `yaml:"api"`
	Executor      executor.Config         `yaml:"executor"`
	Notifications notify.Config           `yaml:"notifications"`
	Follower      follower.Config         `yaml:"follower"`
}

// Load populates the config from the given YAML file (when it exists) and
// then from the environment.
func (config *CrunchConfig) Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cleanenv.ReadConfig(configPath, config); err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}

			return nil
		}
	}

	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return nil
}

func (config *CrunchConfig) Mode() (InstanceMode, error) {
	switch InstanceMode(strings.ToLower(config.InstanceMode)) {
	case ModeStandalone:
		return ModeStandalone, nil
	case ModeLeader:
		return ModeLeader, nil
	case ModeFollower:
		return ModeFollower, nil
	default:
		return "", fmt.Errorf("unknown instance mode %q (expected standalone, leader or follower)", config.InstanceMode)
	}
}

func (config *CrunchConfig) CheckInterval() time.Duration {
	if config.CheckIntervalMS <= 0 {
		return time.Minute
	}

	return time.Duration(config.CheckIntervalMS) * time.Millisecond
}

// FollowerURLs splits the FOLLOWERS list, dropping empty entries.
func (config *CrunchConfig) FollowerURLs() []string {
	parts := strings.Split(config.Followers, ",")
	urls := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}

	return urls
}
