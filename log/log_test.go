//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestPackageFunctionsForwardToDefault(t *testing.T) {
	old := Default
	rec := &recordingLogger{}
	Default = rec
	defer func() { Default = old }()

	Debug("a")
	Debugf("b %d", 1)
	Info("c")
	Infof("d %d", 2)
	Warn("e")
	Warnf("f %d", 3)
	Error("g")
	Errorf("h %d", 4)
	Fatal("i")
	Fatalf("j %d", 5)

	assert.Equal(t, []string{"a", "b %d", "c", "d %d", "e", "f %d", "g", "h %d", "i", "j %d"}, rec.lines)
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)
	cases := []struct {
		in       string
		expected zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{" WARNING ", zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{LevelFatal, zapcore.FatalLevel},
		{"unknown", zapcore.InfoLevel},
	}
	for _, c := range cases {
		SetLevel(c.in)
		assert.Equal(t, c.expected, zapLevel.Level(), "SetLevel(%q)", c.in)
	}
}

func TestNewJSONRespectsSharedLevel(t *testing.T) {
	defer SetLevel(LevelInfo)
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	SetLevel(LevelWarn)
	logger.Infof("hidden %d", 1)
	assert.Zero(t, buf.Len())

	logger.Warnf("image %d exported", 42)
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "image 42 exported", entry["message"])
	assert.Equal(t, "WARN", entry["lvl"])
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) add(s string)                     { r.lines = append(r.lines, s) }
func (r *recordingLogger) Debug(args ...any)                 { r.add(args[0].(string)) }
func (r *recordingLogger) Debugf(format string, args ...any) { r.add(format) }
func (r *recordingLogger) Info(args ...any)                  { r.add(args[0].(string)) }
func (r *recordingLogger) Infof(format string, args ...any)  { r.add(format) }
func (r *recordingLogger) Warn(args ...any)                  { r.add(args[0].(string)) }
func (r *recordingLogger) Warnf(format string, args ...any)  { r.add(format) }
func (r *recordingLogger) Error(args ...any)                 { r.add(args[0].(string)) }
func (r *recordingLogger) Errorf(format string, args ...any) { r.add(format) }
func (r *recordingLogger) Fatal(args ...any)                 { r.add(args[0].(string)) }
func (r *recordingLogger) Fatalf(format string, args ...any) { r.add(format) }
