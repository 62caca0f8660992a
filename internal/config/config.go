package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries the environment-driven defaults for the CLI.
// Flags always win over these values.
type Config struct {
	PythonBin     string `env:"TALKGEN_PYTHON" envDefault:"python3"`
	EngineScript  string `env:"TALKGEN_ENGINE_SCRIPT" envDefault:"python/engine.py"`
	CheckpointDir string `env:"TALKGEN_CHECKPOINT_DIR" envDefault:"./checkpoints"`
	DefaultImage  string `env:"TALKGEN_DEFAULT_IMAGE" envDefault:"./talkgen_default.jpeg"`
	DatabaseURL   string `env:"TALKGEN_DATABASE_URL" envDefault:""`
}

// Load reads a .env file if one exists and then parses the environment.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
