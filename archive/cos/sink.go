//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package cos mirrors canonical files into a Tencent Cloud Object Storage
// bucket.
//
// Credentials come from COS_SECRETID and COS_SECRETKEY unless
// WithSecretID and WithSecretKey are given:
//
//	sink, err := cos.NewSink("https://bucket.cos.region.myqcloud.com", cos.WithPrefix("omero"))
package cos

import (
	"context"
	"fmt"
	"os"
	"sort"

	cos "github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/trpc-omero-go/archive"
)

var _ archive.Catalog = (*Sink)(nil)

// Sink stores canonical files in a COS bucket.
type Sink struct {
	client client
	prefix string
}

// NewSink creates a sink for bucketURL.
func NewSink(bucketURL string, opts ...Option) (*Sink, error) {
	o := newOptions(opts)
	c, err := buildClient(bucketURL, o)
	if err != nil {
		return nil, err
	}
	return &Sink{client: c, prefix: o.prefix}, nil
}

// Store uploads the local file and returns its object key.
func (s *Sink) Store(ctx context.Context, imageID int64, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("cos: open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("cos: stat %s: %w", localPath, err)
	}
	key := archive.ObjectName(s.prefix, imageID, localPath)
	if err := s.client.PutObject(ctx, key, f, info.Size(), archive.MimeType); err != nil {
		return "", fmt.Errorf("cos: put %s: %w", key, err)
	}
	return key, nil
}

// List returns the keys archived for imageID in lexical order.
func (s *Sink) List(ctx context.Context, imageID int64) ([]string, error) {
	keys, err := s.client.ListObjects(ctx, archive.ImagePrefix(s.prefix, imageID))
	if err != nil && !cos.IsNotFoundError(err) {
		return nil, fmt.Errorf("cos: list image %d: %w", imageID, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes an archived object. Deleting a missing key succeeds.
func (s *Sink) Delete(ctx context.Context, key string) error {
	if err := s.client.DeleteObject(ctx, key); err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("cos: delete %s: %w", key, err)
	}
	return nil
}
