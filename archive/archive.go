//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package archive defines where generated canonical files are mirrored
// after they were attached on the server.
//
// Objects are named {prefix}/images/{image_id}/{file_name}.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// MimeType is the content type stored with archived OME-TIFF files.
const MimeType = "image/tiff"

// Sink stores a local canonical file and returns the object key.
type Sink interface {
	Store(ctx context.Context, imageID int64, localPath string) (string, error)
}

// Catalog is a Sink that can enumerate and remove what it stored.
type Catalog interface {
	Sink
	// List returns the keys archived for imageID in lexical order.
	List(ctx context.Context, imageID int64) ([]string, error)
	// Delete removes an object. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// ObjectName builds the object key of a file archived for imageID.
func ObjectName(prefix string, imageID int64, fileName string) string {
	return ImagePrefix(prefix, imageID) + path.Base(fileName)
}

// ImagePrefix is the key prefix shared by every object archived for imageID.
func ImagePrefix(prefix string, imageID int64) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("images/%d/", imageID)
	}
	return fmt.Sprintf("%s/images/%d/", prefix, imageID)
}
