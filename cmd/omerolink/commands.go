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
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"trpc.group/trpc-go/trpc-omero-go/batch"
	"trpc.group/trpc-go/trpc-omero-go/client"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/server/link"
)

const shutdownTimeout = 10 * time.Second

func runAcquire(ctx context.Context, args []string) error {
	fs, path := newFlagSet("acquire")
	fs.Parse(args)
	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}
	cfg, cleanup, err := setup(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()
	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	var failed error
	for _, id := range ids {
		url, err := acquireOne(ctx, c, id, cfg.Acquire.Timeout)
		if err != nil {
			fmt.Fprintf(w, "%d\terror\t%v\n", id, err)
			failed = errors.Join(failed, err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\n", id, url)
	}
	return failed
}

func acquireOne(ctx context.Context, c *client.Client, id int64, timeout time.Duration) (string, error) {
	if timeout > 0 {
		return c.AcquireWithTimeout(ctx, id, timeout)
	}
	return c.AcquireCanonicalLink(ctx, id)
}

func runLinks(ctx context.Context, args []string) error {
	fs, path := newFlagSet("links")
	imageID := fs.Int64("image", 0, "Image id to link")
	annotationID := fs.Int64("annotation", 0, "File annotation id to link")
	fs.Parse(args)
	if *imageID <= 0 && *annotationID <= 0 {
		return errors.New("give -image or -annotation")
	}
	cfg, cleanup, err := setup(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()
	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if *imageID > 0 {
		detail, err := c.ImageDetailLink(ctx, *imageID)
		if err != nil {
			return err
		}
		fmt.Printf("detail\t%s\n", detail)
		download, err := c.ImageDownloadLink(ctx, *imageID)
		if err != nil {
			log.Warnf("image %d: %v", *imageID, err)
		} else {
			fmt.Printf("download\t%s\n", download)
		}
	}
	if *annotationID > 0 {
		ann, err := c.AnnotationDownloadLink(ctx, *annotationID)
		if err != nil {
			return err
		}
		fmt.Printf("annotation\t%s\n", ann)
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs, path := newFlagSet("serve")
	addr := fs.String("addr", "", "Listen address, overrides http.addr")
	fs.Parse(args)
	cfg, cleanup, err := setup(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	opts := []link.Option{link.WithAcquireTimeout(cfg.Acquire.Timeout)}
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		opts = append(opts, link.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...))
	}
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: link.New(c, opts...).Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("omerolink: serving links on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runBatch(ctx context.Context, args []string) error {
	fs, path := newFlagSet("batch")
	workers := fs.Int("workers", 0, "Parallel workers, overrides batch.workers")
	fs.Parse(args)
	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}
	cfg, cleanup, err := setup(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}

	r := batch.New(func(ctx context.Context) (batch.Acquirer, error) {
		c, err := newClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, batch.WithWorkers(cfg.Batch.Workers))
	defer func() {
		if err := r.Close(); err != nil {
			log.Warnf("omerolink: close clients: %v", err)
		}
	}()
	results, err := r.Acquire(ctx, ids)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "%d\terror\t%v\n", res.ImageID, res.Err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", res.ImageID, res.Result.Outcome, res.Result.URL)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(results))
	}
	return nil
}
