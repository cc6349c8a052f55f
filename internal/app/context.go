package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/engine"
	"taskgraph/internal/migrate"
	"taskgraph/internal/repo"
)

// Options select the workspace and override parts of its config.
type Options struct {
	Workspace string
	// DBPath overrides the database location inside the workspace.
	DBPath string
	// ConfigPath reads config from this file instead of the workspace taskgraph.yml.
	ConfigPath string
	ProjectID  string
	Logger     *log.Logger
}

// App is an opened workspace: migrated database, loaded config and the engine over both.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Open prepares the workspace directory, migrates the database and builds the engine.
// A missing taskgraph.yml is not an error; defaults apply.
func Open(ctx context.Context, opts Options) (*App, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	return &App{DB: conn, Config: cfg, Engine: e}, nil
}

// LoadConfig reads the config file named by opts, falling back to defaults, and applies
// the project override.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(opts.ProjectID)
	}
	if opts.ProjectID != "" {
		cfg.Project.ID = opts.ProjectID
	}
	return cfg, nil
}

// InitWorkspace writes a default taskgraph.yml and creates the project if it is missing.
// An existing config file is left alone.
func InitWorkspace(ctx context.Context, opts Options, description, actorID string) (*App, error) {
	if opts.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	path := config.Path(opts.Workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault(opts.ProjectID)), 0o644); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	a, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := a.Engine.GetProject(ctx, opts.ProjectID); errors.Is(err, repo.ErrNotFound) {
		if _, err := a.Engine.InitProject(ctx, opts.ProjectID, description, actorID); err != nil {
			a.Close()
			return nil, err
		}
	} else if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
