//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package session

import (
	"context"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

// TokenStore keeps session tokens between process runs, keyed by the
// user and server of creds.
type TokenStore interface {
	// Load returns the stored token, or "" when none is stored.
	Load(ctx context.Context, creds gateway.Credentials) (string, error)
	Save(ctx context.Context, creds gateway.Credentials, token string) error
	Delete(ctx context.Context, creds gateway.Credentials) error
}

// Credentials returns the stored credentials.
func (m *Manager) Credentials() gateway.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Restore connects m, resuming the token kept in store while it is still
// valid and logging in with the stored credentials otherwise. The live
// token is written back to store. Store failures are logged and never
// fail the connection.
func Restore(ctx context.Context, m *Manager, store TokenStore) (*Session, error) {
	creds := m.Credentials()
	connected, err := m.IsConnected()
	if err != nil {
		return nil, err
	}
	if !connected {
		resumeStored(ctx, m, store, creds)
	}
	sess, err := m.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, creds, sess.Token); err != nil {
		log.Warnf("session: store token for %s@%s: %v", creds.Username, creds.Host, err)
	}
	return sess, nil
}

func resumeStored(ctx context.Context, m *Manager, store TokenStore, creds gateway.Credentials) {
	token, err := store.Load(ctx, creds)
	if err != nil {
		log.Warnf("session: load stored token for %s@%s: %v", creds.Username, creds.Host, err)
		return
	}
	if token == "" {
		return
	}
	if err := m.ConnectToSession(ctx, token); err != nil {
		if errs.KindOf(err) != errs.KindSessionResumeFailed {
			log.Warnf("session: resume stored token for %s@%s: %v", creds.Username, creds.Host, err)
			return
		}
		log.Infof("session: stored token for %s@%s is no longer valid: %v", creds.Username, creds.Host, err)
		if derr := store.Delete(ctx, creds); derr != nil {
			log.Warnf("session: drop stored token for %s@%s: %v", creds.Username, creds.Host, derr)
		}
		return
	}
	log.Debugf("session: resumed stored session for %s@%s", creds.Username, creds.Host)
}
