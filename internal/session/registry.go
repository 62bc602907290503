// Package session tracks live device connections per user and fans sync
// events out to them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Conn is the transport handle of one device session.
type Conn interface {
	Send(ctx context.Context, event Event) error
	Close(reason string) error
}

// Validator resolves a credential presented by a device to a user id.
type Validator interface {
	Validate(ctx context.Context, credential string) (string, error)
}

type ValidatorFunc func(ctx context.Context, credential string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

type Session struct {
	DeviceID    string
	UserID      string
	Conn        Conn
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// Registry owns the device and user indices. Every read and write of the
// indices happens under mu.
type Registry struct {
	validator Validator
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	devices map[string]*Session
	users   map[string]map[string]struct{}
	conns   map[Conn]string
}

func NewRegistry(validator Validator, heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Minute
	}
	return &Registry{
		validator: validator,
		timeout:   heartbeatTimeout,
		now:       time.Now,
		logger:    slog.Default(),
		devices:   make(map[string]*Session),
		users:     make(map[string]map[string]struct{}),
		conns:     make(map[Conn]string),
	}
}

func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

// Register validates the credential and records the session. A device that
// registers again replaces its previous session and the old connection is
// closed.
func (r *Registry) Register(ctx context.Context, deviceID, credential string, conn Conn) (Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Session{}, fmt.Errorf("%w: device id is required", ErrInvalidCredential)
	}
	if conn == nil {
		return Session{}, fmt.Errorf("%w: connection is required", ErrInvalidCredential)
	}
	userID, err := r.validator.Validate(ctx, credential)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.TrimSpace(userID) == "" {
		return Session{}, fmt.Errorf("%w: credential has no subject", ErrInvalidCredential)
	}

	now := r.now()
	session := &Session{
		DeviceID:    deviceID,
		UserID:      userID,
		Conn:        conn,
		ConnectedAt: now,
		LastSeenAt:  now,
	}

	var replaced []Conn
	r.mu.Lock()
	if existing, ok := r.devices[deviceID]; ok {
		r.removeLocked(existing)
		if existing.Conn != conn {
			replaced = append(replaced, existing.Conn)
		}
	}
	if other, ok := r.conns[conn]; ok {
		r.removeLocked(r.devices[other])
	}
	r.devices[deviceID] = session
	r.conns[conn] = deviceID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[deviceID] = struct{}{}
	snapshot := *session
	r.mu.Unlock()

	for _, old := range replaced {
		_ = old.Close("replaced by a newer connection")
	}
	r.logger.Info("device registered", "device_id", deviceID, "user_id", userID)
	return snapshot, nil
}

// Heartbeat refreshes a device's liveness. Unknown devices are ignored.
func (r *Registry) Heartbeat(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.devices[deviceID]; ok {
		s.LastSeenAt = r.now()
	}
}

// Disconnect drops the session owning conn. It reports whether a session was
// removed.
func (r *Registry) Disconnect(conn Conn) bool {
	r.mu.Lock()
	deviceID, ok := r.conns[conn]
	if ok {
		r.removeLocked(r.devices[deviceID])
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("device disconnected", "device_id", deviceID)
	}
	return ok
}

// Sweep evicts every session whose last heartbeat is older than the timeout
// and closes its connection.
func (r *Registry) Sweep() []Session {
	now := r.now()
	var evicted []Session

	r.mu.Lock()
	for _, s := range r.devices {
		if now.Sub(s.LastSeenAt) > r.timeout {
			evicted = append(evicted, *s)
		}
	}
	for i := range evicted {
		r.removeLocked(r.devices[evicted[i].DeviceID])
	}
	r.mu.Unlock()

	for _, s := range evicted {
		_ = s.Conn.Close("heartbeat timeout")
		r.logger.Info("device evicted", "device_id", s.DeviceID, "user_id", s.UserID, "last_seen_at", s.LastSeenAt)
	}
	return evicted
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Devices lists the device ids currently registered for a user.
func (r *Registry) Devices(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Session(deviceID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devices[deviceID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// targets snapshots the sessions of userID except the origin device.
func (r *Registry) targets(userID, originDeviceID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.users[userID]))
	for deviceID := range r.users[userID] {
		if deviceID == originDeviceID {
			continue
		}
		if s, ok := r.devices[deviceID]; ok {
			out = append(out, *s)
		}
	}
	return out
}

func (r *Registry) removeLocked(s *Session) {
	if s == nil {
		return
	}
	delete(r.devices, s.DeviceID)
	delete(r.conns, s.Conn)
	if set, ok := r.users[s.UserID]; ok {
		delete(set, s.DeviceID)
		if len(set) == 0 {
			delete(r.users, s.UserID)
		}
	}
}
