//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package redis keeps OMERO session tokens in redis so that short-lived
// processes can reuse one server session instead of logging in each run.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

// Defaults.
const (
	DefaultKeyPrefix = "omero:session:"
	DefaultTTL       = 10 * time.Minute
)

var _ session.TokenStore = (*Store)(nil)

var clientBuilder = DefaultClientBuilder

// SetClientBuilder replaces the builder used for WithRedisClientURL.
func SetClientBuilder(builder func(url string) (redis.UniversalClient, error)) {
	clientBuilder = builder
}

// DefaultClientBuilder builds a client from a redis URL of the form
// redis://<user>:<password>@<host>:<port>/<db>?<options>.
func DefaultClientBuilder(url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", url, err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           []string{opts.Addr},
		DB:              opts.DB,
		Username:        opts.Username,
		Password:        opts.Password,
		Protocol:        opts.Protocol,
		ClientName:      opts.ClientName,
		TLSConfig:       opts.TLSConfig,
		MaxRetries:      opts.MaxRetries,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PoolSize:        opts.PoolSize,
		MinIdleConns:    opts.MinIdleConns,
		ConnMaxIdleTime: opts.ConnMaxIdleTime,
	}), nil
}

// Option configures a Store.
type Option func(*options)

type options struct {
	url    string
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// WithRedisClientURL builds the client from url.
func WithRedisClientURL(url string) Option {
	return func(o *options) {
		o.url = url
	}
}

// WithRedisClient uses an existing client. It wins over
// WithRedisClientURL, and Close leaves it open.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTTL sets how long a saved token is kept. It should not outlive the
// server's session timeout; zero keeps tokens until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// Store is a session.TokenStore backed by redis.
type Store struct {
	client redis.UniversalClient
	owned  bool
	prefix string
	ttl    time.Duration
}

// New creates a Store.
func New(opts ...Option) (*Store, error) {
	o := options{prefix: DefaultKeyPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{client: o.client, prefix: o.prefix, ttl: o.ttl}
	if s.client == nil {
		client, err := clientBuilder(o.url)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		s.client = client
		s.owned = true
	}
	return s, nil
}

// Key returns the redis key for creds.
func (s *Store) Key(creds gateway.Credentials) string {
	return fmt.Sprintf("%s%s@%s:%d", s.prefix, creds.Username, creds.Host, creds.Port)
}

// Load returns the stored token, or "" when none is stored.
func (s *Store) Load(ctx context.Context, creds gateway.Credentials) (string, error) {
	token, err := s.client.Get(ctx, s.Key(creds)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: get session token: %w", err)
	}
	return token, nil
}

// Save stores token for creds and refreshes its TTL.
func (s *Store) Save(ctx context.Context, creds gateway.Credentials, token string) error {
	if err := s.client.Set(ctx, s.Key(creds), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set session token: %w", err)
	}
	return nil
}

// Delete removes the token for creds.
func (s *Store) Delete(ctx context.Context, creds gateway.Credentials) error {
	if err := s.client.Del(ctx, s.Key(creds)).Err(); err != nil {
		return fmt.Errorf("redis: delete session token: %w", err)
	}
	return nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
