// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/ingest"
	"github.com/kraklabs/kge/pkg/jobs"
	"github.com/kraklabs/kge/pkg/vocab"
)

// PostgresConfig holds the graph database connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Graph    string `yaml:"graph"`
}

// Config is the on-disk configuration for the kge CLI, loaded from
// ~/.kge/config.yaml by default. Fields left empty fall back to the
// POSTGRES_* and GARAGE_* environment variables honored by the client
// packages.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Garage   garage.Config  `yaml:"garage"`
	AI       ai.Config      `yaml:"ai"`

	Checkpoints struct {
		Dir string `yaml:"dir"`
	} `yaml:"checkpoints"`

	Worker struct {
		PollSeconds int `yaml:"poll_seconds"`
		TickSeconds int `yaml:"tick_seconds"`
		// Listen is the Prometheus metrics address for `kge serve`.
		Listen string `yaml:"listen"`
	} `yaml:"worker"`
}

// DefaultConfigPath returns the configuration path: $KGE_CONFIG when set,
// otherwise ~/.kge/config.yaml.
func DefaultConfigPath() (string, error) {
	if p := os.Getenv("KGE_CONFIG"); p != "" {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(homeDir, ".kge", "config.yaml"), nil
}

// LoadConfig reads the YAML configuration. An empty path means the
// default location. A missing file is an error; `kge init` creates it.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the user's own flag
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config not found at %s (run 'kge init' first)", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := graph.DefaultConfig()
	if c.Postgres.Host == "" {
		c.Postgres.Host = def.Host
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = def.Port
	}
	if c.Postgres.Database == "" {
		c.Postgres.Database = def.Database
	}
	if c.Postgres.User == "" {
		c.Postgres.User = def.User
	}
	if c.Postgres.Password == "" {
		c.Postgres.Password = def.Password
	}
	if c.Postgres.Graph == "" {
		c.Postgres.Graph = def.GraphName
	}
	if c.Checkpoints.Dir == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			c.Checkpoints.Dir = filepath.Join(homeDir, ".kge", "checkpoints")
		}
	}
	if c.Worker.PollSeconds <= 0 {
		c.Worker.PollSeconds = 2
	}
	if c.Worker.TickSeconds <= 0 {
		c.Worker.TickSeconds = 30
	}
	if c.Worker.Listen == "" {
		c.Worker.Listen = ":9464"
	}
}

// GraphConfig maps the YAML settings onto the graph client configuration.
func (c *Config) GraphConfig() graph.Config {
	return graph.Config{
		Host:      c.Postgres.Host,
		Port:      c.Postgres.Port,
		Database:  c.Postgres.Database,
		User:      c.Postgres.User,
		Password:  c.Postgres.Password,
		GraphName: c.Postgres.Graph,
	}
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Runtime bundles the clients a command operates through. Not every
// command uses every field; Open wires all of them so the commands stay
// thin.
type Runtime struct {
	Graph       *graph.Client
	Pool        *pgxpool.Pool
	Storage     *garage.Client
	Provider    ai.Provider
	VocabStore  *vocab.PGStore
	Vocab       *vocab.Manager
	Queue       *jobs.Queue
	Metrics     *jobs.Metrics
	Checkpoints *ingest.CheckpointManager
	Logger      *slog.Logger
}

// Open connects every backend and ensures the relational schema.
//
// The function:
//  1. Opens the Postgres/AGE graph client (creating the graph if absent)
//  2. Ensures the vocabulary, job queue, metrics, and embedding tables
//  3. Connects the S3-compatible object storage
//  4. Builds the AI provider from configuration
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("bootstrap.open",
		"host", cfg.Postgres.Host,
		"database", cfg.Postgres.Database,
		"graph", cfg.Postgres.Graph,
	)

	graphClient, err := graph.New(ctx, cfg.GraphConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	pool := graphClient.Pool()

	vocabStore := vocab.NewPGStore(pool)
	if err := vocabStore.EnsureSchema(ctx); err != nil {
		graphClient.Close()
		return nil, err
	}

	queue := jobs.NewQueue(pool, logger)
	if err := queue.EnsureSchema(ctx); err != nil {
		graphClient.Close()
		return nil, err
	}

	metrics := jobs.NewMetrics(pool, logger)
	if err := metrics.EnsureSchema(ctx); err != nil {
		graphClient.Close()
		return nil, err
	}

	storage, err := garage.New(ctx, cfg.Garage, logger)
	if err != nil {
		graphClient.Close()
		return nil, fmt.Errorf("open object storage: %w", err)
	}

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		graphClient.Close()
		return nil, fmt.Errorf("build ai provider: %w", err)
	}

	embedder := ingest.NewSourceEmbedder(graphClient, pool, provider, logger)
	if err := embedder.EnsureSchema(ctx); err != nil {
		graphClient.Close()
		return nil, err
	}

	checkpoints, err := ingest.NewCheckpointManager(cfg.Checkpoints.Dir, logger)
	if err != nil {
		graphClient.Close()
		return nil, fmt.Errorf("open checkpoint dir: %w", err)
	}

	manager := vocab.NewManager(vocabStore, graphClient, provider, metrics, logger)

	logger.Debug("bootstrap.open.ready")

	return &Runtime{
		Graph:       graphClient,
		Pool:        pool,
		Storage:     storage,
		Provider:    provider,
		VocabStore:  vocabStore,
		Vocab:       manager,
		Queue:       queue,
		Metrics:     metrics,
		Checkpoints: checkpoints,
		Logger:      logger,
	}, nil
}

// Close releases the graph client and its connection pool.
func (rt *Runtime) Close() {
	rt.Graph.Close()
}

// NewLogger builds the CLI logger. Verbosity 0 logs warnings and errors,
// 1 adds info, 2 and above adds debug. Output goes to stderr so stdout
// stays clean for --json consumers.
func NewLogger(verbose int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
