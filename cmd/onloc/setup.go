package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/api"
	"github.com/zulandar/onloc/internal/auth"
	"github.com/zulandar/onloc/internal/config"
	"github.com/zulandar/onloc/internal/db"
	"github.com/zulandar/onloc/internal/store"
	"golang.org/x/term"
)

// app bundles what every command needs: config, persisted state and the
// session manager.
type app struct {
	cfg   *config.Config
	store *store.Store
	auth  *auth.Manager
}

// setup loads the config, configures logging and opens the state database.
func setup(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg.LogLevel, logOut); err != nil {
		return nil, err
	}

	gormDB, err := db.Connect(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DatabasePath(), err)
	}
	st, err := store.New(gormDB)
	if err != nil {
		return nil, err
	}
	mgr, err := auth.NewManager(auth.ManagerOpts{Store: st})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st, auth: mgr}, nil
}

// apiClient returns a REST client authenticated through the session manager.
func (a *app) apiClient() (*api.Client, error) {
	return api.New(api.ClientOpts{HTTPClient: a.auth.Client(), Server: a.store})
}

// setupLogging points the global logger at w, human-readable on a terminal
// and JSON otherwise.
func setupLogging(level string, w io.Writer) error {
	lvl := zerolog.Disabled
	if level != "disabled" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	zerolog.SetGlobalLevel(lvl)

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
