//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package session owns the single authenticated connection to an OMERO
// server.
//
// A Manager moves through Disconnected → Connecting → Connected →
// Disconnected. A *Session value exists only while the manager is
// Connected and carries everything a capability call needs (security
// context and session token), so a connected manager without a token
// cannot be expressed.
package session

import (
	"fmt"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

// Phase is the connection state of a Manager.
type Phase int

// Connection phases.
const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Session is an immutable snapshot of a live login. It is handed to every
// capability call and must not be used after the manager disconnects.
type Session struct {
	// Host is the server host name used in links.
	Host string
	// Port is the server port.
	Port int
	// Username is the login name, or the resumed token.
	Username string
	// UserID is the experimenter id.
	UserID int64
	// Context is the security context calls are evaluated in.
	Context gateway.SecurityContext
	// Token is the session uuid.
	Token string
}
