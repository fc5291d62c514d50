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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

// Operation names used in errors.
const (
	opConnect    = "session.connect"
	opResume     = "session.resume"
	opIsConnect  = "session.isConnected"
	opDisconnect = "session.disconnect"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
}

// WithConnectTimeout bounds every login call. Zero means no bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithDisconnectTimeout bounds every teardown call. Zero means no bound.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.disconnectTimeout = d
	}
}

// Manager keeps one logical session on top of a gateway.
//
// All transitions are serialized, so a reconnect (disconnect then connect)
// is atomic for concurrent callers. The manager does not make the gateway
// safe for concurrent capability calls; callers serialize those.
type Manager struct {
	mu   sync.Mutex
	gw   gateway.Gateway
	opts options

	creds       gateway.Credentials
	resumeToken string

	phase   Phase
	current *Session
	// abandoned is set when a teardown failed and the transport may still
	// report itself connected. That report is stale, not a state mismatch.
	abandoned bool
}

// NewManager creates a disconnected manager. creds are the stored
// credentials EnsureConnected logs in with.
func NewManager(gw gateway.Gateway, creds gateway.Credentials, opts ...Option) *Manager {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		gw:    gw,
		opts:  o,
		creds: creds,
		phase: PhaseDisconnected,
	}
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Current returns the live session, if any, without touching the transport.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected {
		return nil, false
	}
	return m.current, true
}

// Host returns the configured server host.
func (m *Manager) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Host
}

// Connect replaces any existing session with a fresh login using creds,
// which also become the stored credentials.
func (m *Manager) Connect(ctx context.Context, creds gateway.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	connected, err := m.checkLocked(ctx)
	if err != nil {
		return err
	}
	if connected {
		m.disconnectLocked(ctx)
	}
	m.creds = creds
	m.resumeToken = ""
	_, err = m.loginLocked(ctx, creds, errs.KindAuthenticationFailed, opConnect)
	return err
}

// ConnectToSession attaches to an existing server session. It does
// nothing when already connected to token.
func (m *Manager) ConnectToSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.New(errs.KindSessionResumeFailed, opResume, errors.New("empty session token"))
	}
	connected, err := m.checkLocked(ctx)
	if err != nil {
		return err
	}
	if connected {
		if m.current.Token == token {
			return nil
		}
		m.disconnectLocked(ctx)
	}
	_, err = m.resumeLocked(ctx, token)
	return err
}

// IsConnected reports whether a session is live. Local and transport state
// must agree; a disagreement is a defect reported as
// IllegalConnectionState.
func (m *Manager) IsConnected() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(context.Background())
}

// EnsureConnected returns the live session, logging in with the stored
// credentials (or resuming the last resumed token when no password is
// stored) if needed. Every capability call goes through it.
func (m *Manager) EnsureConnected(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connected, err := m.checkLocked(ctx)
	if err != nil {
		return nil, err
	}
	if connected {
		return m.current, nil
	}
	if m.creds.Password == "" && m.resumeToken != "" {
		return m.resumeLocked(ctx, m.resumeToken)
	}
	if strings.TrimSpace(m.creds.Username) == "" {
		return nil, errs.New(errs.KindAuthenticationFailed, opConnect, errors.New("no stored credentials"))
	}
	return m.loginLocked(ctx, m.creds, errs.KindAuthenticationFailed, opConnect)
}

// Disconnect drops the session. Local state is always cleared; a
// transport teardown failure is logged and swallowed.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(ctx)
}

// checkLocked compares local and transport state. A transport that
// cannot be asked while a local session is live is ServiceUnavailable.
func (m *Manager) checkLocked(ctx context.Context) (bool, error) {
	local := m.phase == PhaseConnected
	remote, err := m.remoteLocked(ctx)
	if err != nil {
		if local {
			return false, errs.New(errs.KindServiceUnavailable, opIsConnect, err)
		}
		return false, nil
	}
	switch {
	case local && remote:
		return true, nil
	case !local && !remote:
		m.abandoned = false
		return false, nil
	case !local && remote && m.abandoned:
		return false, nil
	case local:
		return false, errs.New(errs.KindIllegalConnectionState, opIsConnect,
			fmt.Errorf("local session %s is live but the transport is disconnected", m.current.Token))
	default:
		return false, errs.New(errs.KindIllegalConnectionState, opIsConnect,
			fmt.Errorf("transport is connected but no local session exists (phase %s)", m.phase))
	}
}

// remoteLocked asks the transport for its state, through Status when the
// gateway supports it.
func (m *Manager) remoteLocked(ctx context.Context) (bool, error) {
	if checker, ok := m.gw.(gateway.StatusChecker); ok {
		return checker.Status(ctx)
	}
	return m.gw.IsConnected(), nil
}

func (m *Manager) resumeLocked(ctx context.Context, token string) (*Session, error) {
	creds := gateway.Credentials{
		Username: token,
		Password: "",
		Host:     m.creds.Host,
		Port:     m.creds.Port,
	}
	sess, err := m.loginLocked(ctx, creds, errs.KindSessionResumeFailed, opResume)
	if err != nil {
		return nil, err
	}
	m.resumeToken = sess.Token
	return sess, nil
}

// loginLocked runs Connecting → Connected, or back to Disconnected on
// failure. Rejected credentials map to authKind, anything else to
// ServiceUnavailable.
func (m *Manager) loginLocked(ctx context.Context, creds gateway.Credentials, authKind errs.Kind, op string) (*Session, error) {
	m.phase = PhaseConnecting
	if m.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.connectTimeout)
		defer cancel()
	}
	login, err := m.gw.Connect(ctx, creds)
	if err != nil {
		m.phase = PhaseDisconnected
		m.current = nil
		if errors.Is(err, gateway.ErrAccessDenied) {
			return nil, errs.New(authKind, op, err)
		}
		return nil, errs.New(errs.KindServiceUnavailable, op, err)
	}
	if login == nil || login.SessionToken == "" {
		m.phase = PhaseDisconnected
		m.current = nil
		m.teardownLocked(ctx)
		return nil, errs.New(errs.KindIllegalConnectionState, op, errors.New("login returned no session token"))
	}
	m.current = &Session{
		Host:     creds.Host,
		Port:     creds.Port,
		Username: creds.Username,
		UserID:   login.UserID,
		Context:  gateway.SecurityContext{GroupID: login.GroupID},
		Token:    login.SessionToken,
	}
	m.phase = PhaseConnected
	m.abandoned = false
	log.Debugf("omero session %s established on %s:%d (group %d)",
		login.SessionToken, creds.Host, creds.Port, login.GroupID)
	return m.current, nil
}

func (m *Manager) disconnectLocked(ctx context.Context) {
	if m.phase == PhaseDisconnected {
		if remote, err := m.remoteLocked(ctx); err != nil || !remote {
			return
		}
	}
	token := ""
	if m.current != nil {
		token = m.current.Token
	}
	m.phase = PhaseDisconnected
	m.current = nil
	m.teardownLocked(ctx)
	log.Debugf("omero session %s closed", token)
}

func (m *Manager) teardownLocked(ctx context.Context) {
	if m.opts.disconnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.disconnectTimeout)
		defer cancel()
	}
	if err := m.gw.Disconnect(ctx); err != nil {
		m.abandoned = true
		log.Warnf("%s: transport teardown failed, session dropped locally: %v", opDisconnect, err)
		return
	}
	m.abandoned = false
}
