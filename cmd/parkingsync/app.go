package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tarun080/parkingfinder/internal/config"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/location"
	"github.com/tarun080/parkingfinder/internal/logging"
	"github.com/tarun080/parkingfinder/internal/query"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/syncengine"
	"github.com/tarun080/parkingfinder/internal/telemetry"
)

// app is the set of components a command works with. Commands that only
// read the cache leave the remote side unset.
type app struct {
	cfg     *config.Config
	store   *localstore.Store
	client  remote.Client
	engine  *syncengine.Engine
	tracker *location.Tracker
	query   *query.Service

	telemetry *telemetry.Telemetry
	events    *logging.Output
}

// openStore opens the local cache and the read side: tracker and query
// service.
func openStore(ctx context.Context, c *config.Config) (*app, error) {
	store, err := localstore.Open(c.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	a := &app{cfg: c, store: store}

	a.tracker, err = location.New(ctx, store, &location.Config{
		MaxAccuracyMeters:     c.Location.MaxAccuracy,
		MinDisplacementMeters: c.Location.MinDisplacement,
		Logger:                logOut.Logger("location"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.query, err = query.New(store, a.tracker, &query.Config{Freshness: c.Query.Freshness})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// openApp opens the cache and connects the sync engine to the remote
// store, with event sinks for the cycle log and metrics.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	a, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	a.client, err = remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: c.Remote.URL,
		Token:   c.Remote.Token,
		Timeout: c.Remote.Timeout,
		Logger:  logOut.Logger("remote"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var sinks []syncengine.EventSink
	if c.Log.Events != "" {
		a.events, err = logging.Open(logging.Options{
			File:       c.Log.Events,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Quiet:      true,
		})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		sinks = append(sinks, syncengine.NewLogSink(a.events.Writer()))
	}

	a.telemetry, err = telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    "parkingsync",
		ServiceVersion: Version,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		Interval:       c.Telemetry.Interval,
		Logger:         logOut.Logger("telemetry"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if a.telemetry.Enabled() {
		sink, err := telemetry.NewSink(a.telemetry.Meter())
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	a.engine, err = syncengine.New(a.store, a.client, &syncengine.Config{
		PageSize: c.Sync.PageSize,
		Sinks:    sinks,
		Logger:   logOut.Logger("sync"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases everything the app opened.
func (a *app) Close(ctx context.Context) error {
	if a.telemetry != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := a.telemetry.Shutdown(sctx); err != nil {
			logOut.Logger("telemetry").Printf("WARNING: failed to flush metrics: %v", err)
		}
		cancel()
	}
	if a.events != nil {
		_ = a.events.Close()
	}
	return a.store.Close()
}

// reporter returns the configured device reporter id, falling back to
// "device".
func (a *app) reporter(flag string) string {
	if flag != "" {
		return flag
	}
	if a.cfg.Device.Reporter != "" {
		return a.cfg.Device.Reporter
	}
	return "device"
}
