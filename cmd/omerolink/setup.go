//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/archive/cos"
	"trpc.group/trpc-go/trpc-omero-go/client"
	"trpc.group/trpc-go/trpc-omero-go/config"
	"trpc.group/trpc-go/trpc-omero-go/gateway/httpgw"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/session"
	redisstore "trpc.group/trpc-go/trpc-omero-go/session/redis"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/trace"
)

// setup loads the configuration, applies the log level and starts
// telemetry. The returned cleanup flushes telemetry.
func setup(ctx context.Context, path string) (*config.Config, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log.SetLevel(cfg.Log.Level)

	var cleanups []func() error
	if ep := cfg.Telemetry.TracesEndpoint; ep != "" {
		clean, err := trace.Start(ctx, trace.WithEndpoint(ep), trace.WithProtocol(cfg.Telemetry.Protocol))
		if err != nil {
			return nil, nil, fmt.Errorf("start tracing: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	if ep := cfg.Telemetry.MetricsEndpoint; ep != "" {
		clean, err := metric.Start(ctx, metric.WithEndpoint(ep), metric.WithProtocol(cfg.Telemetry.Protocol))
		if err != nil {
			return nil, nil, fmt.Errorf("start metrics: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	return cfg, func() {
		for _, clean := range cleanups {
			if err := clean(); err != nil {
				log.Warnf("telemetry shutdown: %v", err)
			}
		}
	}, nil
}

// newClient builds a client on its own gateway connection. A configured
// session token is attached to; otherwise a configured token store is
// used to resume the session of an earlier run.
func newClient(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	gw, err := httpgw.New(cfg.Gateway.URL, httpgw.WithTimeout(cfg.Gateway.Timeout))
	if err != nil {
		return nil, err
	}
	acquireOpts := cfg.AcquireOptions()
	if cfg.Archive.BucketURL != "" {
		sink, err := cos.NewSink(cfg.Archive.BucketURL, archiveOptions(cfg.Archive)...)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		acquireOpts = append(acquireOpts, acquire.WithArchive(sink))
	}
	c := client.New(gw, cfg.Credentials(),
		client.WithServerID(cfg.Server.ServerID),
		client.WithSessionOptions(session.WithConnectTimeout(cfg.Gateway.Timeout)),
		client.WithAcquireOptions(acquireOpts...))
	if token := cfg.Server.SessionToken; token != "" {
		if err := c.ConnectToSession(ctx, token); err != nil {
			return nil, err
		}
		return c, nil
	}
	if cfg.Session.StoreURL != "" {
		if err := restoreSession(ctx, c, cfg.Session); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func restoreSession(ctx context.Context, c *client.Client, sc config.SessionConfig) error {
	store, err := redisstore.New(redisstore.WithRedisClientURL(sc.StoreURL), redisstore.WithTTL(sc.TTL))
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("session store close: %v", err)
		}
	}()
	_, err = session.Restore(ctx, c.Sessions(), store)
	return err
}

// archiveOptions keeps the COS environment defaults for unset fields.
func archiveOptions(a config.ArchiveConfig) []cos.Option {
	opts := []cos.Option{cos.WithPrefix(a.Prefix)}
	if a.SecretID != "" {
		opts = append(opts, cos.WithSecretID(a.SecretID))
	}
	if a.SecretKey != "" {
		opts = append(opts, cos.WithSecretKey(a.SecretKey))
	}
	if a.Timeout > 0 {
		opts = append(opts, cos.WithTimeout(a.Timeout))
	}
	return opts
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, errors.New("no image ids given")
	}
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid image id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
