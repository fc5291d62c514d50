//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/transfer"
)

const sample = `
server:
  host: omero.example.org
  username: alice
  password: from-file
  server_id: 2
gateway:
  url: http://bridge:8765
  timeout: 15s
acquire:
  temp_dir: /var/tmp/omero
  chunk_size: 65536
  replace_policy: replace
  force_regenerate: true
  name_patterns: ["*.ome.tif"]
  timeout: 2m
archive:
  bucket_url: https://bucket-1250000000.cos.ap-guangzhou.myqcloud.com
  prefix: canonical
session:
  store_url: redis://localhost:6379/0
  ttl: 5m
batch:
  workers: 8
http:
  addr: 127.0.0.1:9000
  allowed_origins: ["https://viewer.example.org"]
log:
  level: debug
telemetry:
  traces_endpoint: localhost:4317
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, gateway.Credentials{
		Username: "alice", Password: "from-file", Host: "omero.example.org", Port: DefaultPort,
	}, c.Credentials())
	assert.Equal(t, 2, c.Server.ServerID)
	assert.Equal(t, 15*time.Second, c.Gateway.Timeout)
	assert.Equal(t, 65536, c.Acquire.ChunkSize)
	assert.Equal(t, transfer.DefaultWindow, c.Acquire.Window)
	assert.Equal(t, 2*time.Minute, c.Acquire.Timeout)
	assert.Equal(t, "canonical", c.Archive.Prefix)
	assert.Equal(t, "redis://localhost:6379/0", c.Session.StoreURL)
	assert.Equal(t, 5*time.Minute, c.Session.TTL)
	assert.Equal(t, 8, c.Batch.Workers)
	assert.Equal(t, []string{"https://viewer.example.org"}, c.HTTP.AllowedOrigins)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, DefaultProtocol, c.Telemetry.Protocol)
	assert.Len(t, c.AcquireOptions(), 8)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(EnvLogLevel, "warn")
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Server.Password)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("server: {host: h, session_token: tok}\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Server.Port)
	assert.Equal(t, 1, c.Server.ServerID)
	assert.Equal(t, DefaultGatewayURL, c.Gateway.URL)
	assert.Equal(t, DefaultGatewayWait, c.Gateway.Timeout)
	assert.Equal(t, transfer.DefaultChunkSize, c.Acquire.ChunkSize)
	assert.Equal(t, os.TempDir(), c.Acquire.TempDir)
	assert.Equal(t, DefaultWorkers, c.Batch.Workers)
	assert.Equal(t, DefaultListenAddr, c.HTTP.Addr)
	assert.Equal(t, DefaultLogLevel, c.Log.Level)
	assert.Empty(t, c.Archive.BucketURL)
	assert.Empty(t, c.Session.StoreURL)
	assert.Equal(t, DefaultTokenTTL, c.Session.TTL)

	d := Default()
	assert.Equal(t, DefaultPort, d.Server.Port)
	assert.Error(t, d.Validate(), "host and login are still required")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "no_host", yaml: "server: {username: a}", want: "server.host is required"},
		{name: "no_login", yaml: "server: {host: h}", want: "server.username or server.session_token"},
		{name: "bad_port", yaml: "server: {host: h, username: a, port: 70000}", want: "server.port"},
		{name: "bad_policy", yaml: "server: {host: h, username: a}\nacquire: {replace_policy: purge}", want: "acquire.replace_policy"},
		{name: "bad_level", yaml: "server: {host: h, username: a}\nlog: {level: loud}", want: "log.level"},
		{name: "bad_protocol", yaml: "server: {host: h, username: a}\ntelemetry: {protocol: udp}", want: "telemetry.protocol"},
		{name: "negative_chunk", yaml: "server: {host: h, username: a}\nacquire: {chunk_size: -1}", want: "acquire.chunk_size"},
		{name: "negative_ttl", yaml: "server: {host: h, username: a}\nsession: {ttl: -1s}", want: "session.ttl"},
		{name: "negative_workers", yaml: "server: {host: h, username: a}\nbatch: {workers: -2}", want: "batch.workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	_, err := Parse([]byte("log: {level: loud}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.host")
	assert.Contains(t, err.Error(), "log.level")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omero.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "omero.example.org", c.Server.Host)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "config: parse")
}
