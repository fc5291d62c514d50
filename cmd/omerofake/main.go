//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package main serves an in-memory OMERO gateway over the JSON/HTTP
// bridge, for trying omerolink without a server.
//
// Usage:
//
//	omerofake -addr :8765 -user alice -password secret -images 1,2,3
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/gateway/httpgw"
	"trpc.group/trpc-go/trpc-omero-go/gateway/inmemory"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

const defaultListenAddr = ":8765"

func main() {
	addr := flag.String("addr", defaultListenAddr, "Listen address")
	user := flag.String("user", "alice", "Accepted username")
	password := flag.String("password", "secret", "Accepted password")
	images := flag.String("images", "1,2,3", "Comma separated image ids to seed")
	format := flag.String("format", "JPEG", "Declared format of seeded images")
	exportSize := flag.Int("export-size", 1<<20, "Byte length of generated OME-TIFFs")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()
	log.SetLevel(*level)

	ids, err := parseIDs(*images)
	if err != nil {
		log.Fatalf("omerofake: %v", err)
	}
	fake := inmemory.New(inmemory.WithUser(*user, *password), inmemory.WithExportSize(*exportSize))
	for _, id := range ids {
		fake.PutImage(gateway.Image{ID: id, Name: fmt.Sprintf("image-%d", id), Format: *format})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{Addr: *addr, Handler: httpgw.NewHandler(fake)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("omerofake: shutdown: %v", err)
		}
	}()
	log.Infof("omerofake: serving %d image(s) on %s", len(ids), *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("omerofake: %v", err)
	}
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid image id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
