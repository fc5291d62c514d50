//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package transfer streams byte ranges between a remote chunked endpoint
// and a local reader or writer.
//
// Both directions use the same bounded producer/consumer pump: one
// goroutine produces fixed-size chunks, another consumes them, and at most
// window chunks are in flight, so a file is never held in memory whole.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize is the byte size of one transfer chunk.
	DefaultChunkSize = 1 << 20
	// DefaultWindow is the number of chunks buffered between producer and consumer.
	DefaultWindow = 2
)

var (
	// ErrShortChunk is returned when a remote read yields fewer bytes than
	// requested before the declared length was reached.
	ErrShortChunk = errors.New("transfer: short chunk before declared length")
	// ErrLengthMismatch is returned when the bytes transferred differ from
	// the declared length.
	ErrLengthMismatch = errors.New("transfer: transferred length differs from declared length")
)

// ChunkReader reads a byte range from a remote source.
type ChunkReader interface {
	ReadChunk(ctx context.Context, offset int64, size int) ([]byte, error)
}

// ChunkWriter writes bytes at an offset of a remote sink.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, offset int64, data []byte) error
}

// ChunkReaderFunc adapts a function to ChunkReader.
type ChunkReaderFunc func(ctx context.Context, offset int64, size int) ([]byte, error)

// ReadChunk calls f.
func (f ChunkReaderFunc) ReadChunk(ctx context.Context, offset int64, size int) ([]byte, error) {
	return f(ctx, offset, size)
}

// ChunkWriterFunc adapts a function to ChunkWriter.
type ChunkWriterFunc func(ctx context.Context, offset int64, data []byte) error

// WriteChunk calls f.
func (f ChunkWriterFunc) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	return f(ctx, offset, data)
}

// Stats summarizes a finished transfer.
type Stats struct {
	// Chunks is the number of non-empty chunks handed to the sink.
	Chunks int
	// Bytes is the total number of bytes handed to the sink.
	Bytes int64
}

// Option configures a transfer.
type Option func(*options)

type options struct {
	chunkSize int
	window    int
}

// WithChunkSize sets the chunk size. Non-positive values keep the default.
func WithChunkSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

// WithWindow sets how many chunks may be buffered. Non-positive values keep
// the default.
func WithWindow(window int) Option {
	return func(o *options) {
		if window > 0 {
			o.window = window
		}
	}
}

func newOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize, window: DefaultWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type chunk struct {
	offset int64
	data   []byte
}

// Download copies total bytes from src to dst. It requests
// min(chunkSize, remaining) bytes per read and fails with ErrShortChunk
// when a read returns less.
func Download(ctx context.Context, src ChunkReader, total int64, dst io.Writer, opts ...Option) (Stats, error) {
	if total < 0 {
		return Stats{}, fmt.Errorf("transfer: negative declared length %d", total)
	}
	o := newOptions(opts)
	produce := func(ctx context.Context, emit func(chunk) error) error {
		var offset int64
		for offset < total {
			if err := ctx.Err(); err != nil {
				return err
			}
			want := o.chunkSize
			if remaining := total - offset; remaining < int64(want) {
				want = int(remaining)
			}
			data, err := src.ReadChunk(ctx, offset, want)
			if err != nil {
				return fmt.Errorf("read chunk at offset %d: %w", offset, err)
			}
			if len(data) > want {
				data = data[:want]
			}
			if len(data) < want {
				return fmt.Errorf("%w: got %d of %d bytes at offset %d (declared %d)",
					ErrShortChunk, len(data), want, offset, total)
			}
			if err := emit(chunk{offset: offset, data: data}); err != nil {
				return err
			}
			offset += int64(len(data))
		}
		return nil
	}
	consume := func(ctx context.Context, c chunk) error {
		if _, err := dst.Write(c.data); err != nil {
			return fmt.Errorf("write chunk at offset %d: %w", c.offset, err)
		}
		return nil
	}
	stats, err := pump(ctx, o.window, produce, consume)
	if err != nil {
		return stats, err
	}
	if stats.Bytes != total {
		return stats, fmt.Errorf("%w: %d of %d bytes", ErrLengthMismatch, stats.Bytes, total)
	}
	return stats, nil
}

// Upload copies src to dst until src is exhausted. Every chunk except the
// last holds exactly chunkSize bytes.
func Upload(ctx context.Context, src io.Reader, dst ChunkWriter, opts ...Option) (Stats, error) {
	o := newOptions(opts)
	produce := func(ctx context.Context, emit func(chunk) error) error {
		var offset int64
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, o.chunkSize)
			n, err := io.ReadFull(src, buf)
			if n > 0 {
				if err := emit(chunk{offset: offset, data: buf[:n]}); err != nil {
					return err
				}
				offset += int64(n)
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			default:
				return fmt.Errorf("read local source at offset %d: %w", offset, err)
			}
		}
	}
	consume := func(ctx context.Context, c chunk) error {
		if err := dst.WriteChunk(ctx, c.offset, c.data); err != nil {
			return fmt.Errorf("write chunk at offset %d: %w", c.offset, err)
		}
		return nil
	}
	return pump(ctx, o.window, produce, consume)
}

// pump runs produce and consume concurrently over a channel holding at
// most window chunks. The first error from either side cancels the other.
func pump(
	ctx context.Context,
	window int,
	produce func(ctx context.Context, emit func(chunk) error) error,
	consume func(ctx context.Context, c chunk) error,
) (Stats, error) {
	var stats Stats
	ch := make(chan chunk, window)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		return produce(gctx, func(c chunk) error {
			select {
			case ch <- c:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		for c := range ch {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := consume(gctx, c); err != nil {
				return err
			}
			stats.Chunks++
			stats.Bytes += int64(len(c.data))
		}
		return nil
	})
	err := g.Wait()
	return stats, err
}
