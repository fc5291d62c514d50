//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory archive sink.
// It is suitable for testing and development environments.
package inmemory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-omero-go/archive"
)

var _ archive.Catalog = (*Sink)(nil)

// Sink keeps archived files in memory.
type Sink struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
	err     error
}

// NewSink creates an empty sink whose keys start with prefix.
func NewSink(prefix string) *Sink {
	return &Sink{prefix: prefix, objects: make(map[string][]byte)}
}

// Store copies the local file into memory.
func (s *Sink) Store(ctx context.Context, imageID int64, localPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	key := archive.ObjectName(s.prefix, imageID, localPath)
	s.objects[key] = data
	return key, nil
}

// List returns the stored keys of imageID in lexical order.
func (s *Sink) List(ctx context.Context, imageID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.keysLocked(imageID), nil
}

// Delete drops an object.
func (s *Sink) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.objects, key)
	return nil
}

// FailWith makes every subsequent call return err. A nil err clears it.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Object returns a stored object.
func (s *Sink) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys lists the stored keys of imageID in lexical order.
func (s *Sink) Keys(imageID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysLocked(imageID)
}

func (s *Sink) keysLocked(imageID int64) []string {
	prefix := archive.ImagePrefix(s.prefix, imageID)
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
