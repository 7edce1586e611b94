// Package app wires one client session: workspace storage, identity, skin,
// asset library and the try-on workflow.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"fitline/internal/config"
	"fitline/internal/db"
	"fitline/internal/events"
	"fitline/internal/identity"
	"fitline/internal/library"
	"fitline/internal/migrate"
	"fitline/internal/repo"
	"fitline/internal/theme"
	"fitline/internal/workflow"
	fitlinesdk "fitline/sdk/go"
)

type Options struct {
	Workspace string
	// Config overrides the workspace fitline.yml when set.
	Config *config.Config
	// Offline keeps the asset library on local storage only.
	Offline    bool
	Log        zerolog.Logger
	ApplySkin  theme.Applier
	SignInFlow identity.SignInFunc
	// SignInRequired runs when an upload needs an identity the session lacks.
	SignInRequired func(ctx context.Context)
}

// Session owns every component for the lifetime of one command.
type Session struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Identity *identity.Adapter
	Theme    *theme.Store
	Client   *fitlinesdk.Client
	Library  *library.Store
	Workflow *workflow.Controller
	Log      zerolog.Logger
}

// Open resolves config, opens and migrates the workspace database and wires
// the components. The persisted skin is applied before Open returns.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	if _, err := migrate.Run(ctx, conn, opts.Log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace db: %w", err)
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}

	ids := identity.NewAdapter(r, opts.Log)
	ids.Events = ev
	ids.SignInFlow = opts.SignInFlow

	skins := theme.New(r, opts.ApplySkin, opts.Log)
	skins.Events = ev
	skins.Load(ctx)

	client := fitlinesdk.New(cfg.API.BaseURL)
	if cfg.API.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.API.Timeout}
	}
	client.TokenSource = ids.Token

	libOpts := library.Options{
		Local:          r,
		Limit:          cfg.Assets.Limit,
		PollInterval:   cfg.Assets.PollInterval,
		Log:            opts.Log,
		Events:         ev,
		SignInRequired: opts.SignInRequired,
	}
	if !opts.Offline {
		libOpts.Remote = client
		libOpts.Identities = ids
	}
	lib := library.New(libOpts)
	ids.OnChange(func(identity.Identity) {
		lib.HandleIdentityChange(context.Background())
	})

	flow := workflow.New(workflow.Options{
		Config:     cfg.Workflow,
		Client:     client,
		Library:    lib,
		Identities: ids,
		Log:        opts.Log,
		Events:     ev,
	})

	return &Session{
		Config:   cfg,
		DB:       conn,
		Repo:     r,
		Events:   ev,
		Identity: ids,
		Theme:    skins,
		Client:   client,
		Library:  lib,
		Workflow: flow,
		Log:      opts.Log,
	}, nil
}

// Close stops background polling and closes the database.
func (s *Session) Close() error {
	s.Library.Close()
	return s.DB.Close()
}
