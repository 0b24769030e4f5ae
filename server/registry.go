package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoMetaData        = errors.New("server: no metadata for device")
	ErrNoTransport       = errors.New("server: no transport matches device metadata")
	ErrRetriesExhausted  = errors.New("server: connect retries exhausted")
	ErrIdentityMismatch  = errors.New("server: remote identity mismatch")
	ErrNoHelloConfigured = errors.New("server: registry has no local identity")
)

// ConnectError is returned when a connect attempt gives up.
type ConnectError struct {
	Device   proto.DeviceID
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempt(s): %v", e.Device, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConnectionListener observes connections entering and leaving the registry.
// Each connection is reported established once and closed once.
type ConnectionListener interface {
	ConnectionEstablished(c transport.Conn)
	ConnectionClosed(c transport.Conn)
}

type deviceConns struct {
	mu    sync.Mutex
	conns []transport.Conn
}

// ConnectionRegistry tracks open connections per remote device and opens new
// ones with retry and backoff.
type ConnectionRegistry struct {
	devices    sync.Map // proto.DeviceID -> *deviceConns
	store      *BeaconStore
	transports []transport.Transport
	hello      transport.HelloFunc
	group      singleflight.Group

	mu        sync.RWMutex
	listeners []ConnectionListener
}

func NewConnectionRegistry(store *BeaconStore, transports ...transport.Transport) *ConnectionRegistry {
	return &ConnectionRegistry{store: store, transports: transports}
}

// Identify sets the hello sent on outbound connections.
func (r *ConnectionRegistry) Identify(fn transport.HelloFunc) {
	r.hello = fn
}

func (r *ConnectionRegistry) AddListener(l ConnectionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *ConnectionRegistry) entry(device proto.DeviceID) *deviceConns {
	v, _ := r.devices.LoadOrStore(device, &deviceConns{})
	return v.(*deviceConns)
}

// Register starts tracking c and notifies listeners. It is a no-op for a
// connection that is already tracked.
func (r *ConnectionRegistry) Register(c transport.Conn) {
	dc := r.entry(c.Remote())
	dc.mu.Lock()
	if slices.Contains(dc.conns, c) {
		dc.mu.Unlock()
		return
	}
	dc.conns = append(dc.conns, c)
	dc.mu.Unlock()

	slog.Debug("Connection registered", "id", c.ID(), "device", c.Remote(), "transport", c.Transport(), "outbound", c.Outbound())
	for _, l := range r.snapshotListeners() {
		l.ConnectionEstablished(c)
	}
	c.OnClose(r.remove)
}

func (r *ConnectionRegistry) remove(c transport.Conn) {
	v, ok := r.devices.Load(c.Remote())
	if !ok {
		return
	}
	dc := v.(*deviceConns)
	dc.mu.Lock()
	i := slices.Index(dc.conns, c)
	if i < 0 {
		dc.mu.Unlock()
		return
	}
	dc.conns = slices.Delete(dc.conns, i, i+1)
	dc.mu.Unlock()

	slog.Debug("Connection unregistered", "id", c.ID(), "device", c.Remote())
	for _, l := range r.snapshotListeners() {
		l.ConnectionClosed(c)
	}
}

func (r *ConnectionRegistry) snapshotListeners() []ConnectionListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.listeners)
}

// Connections returns the open connections to device.
func (r *ConnectionRegistry) Connections(device proto.DeviceID) []transport.Conn {
	v, ok := r.devices.Load(device)
	if !ok {
		return nil
	}
	dc := v.(*deviceConns)
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([]transport.Conn, 0, len(dc.conns))
	for _, c := range dc.conns {
		select {
		case <-c.Done():
		default:
			out = append(out, c)
		}
	}
	return out
}

// All returns every open connection.
func (r *ConnectionRegistry) All() []transport.Conn {
	var out []transport.Conn
	r.devices.Range(func(key, _ any) bool {
		out = append(out, r.Connections(key.(proto.DeviceID))...)
		return true
	})
	return out
}

func (r *ConnectionRegistry) CloseAll() {
	for _, c := range r.All() {
		c.Close()
	}
}

// Connect returns an open connection to device, dialing one if needed.
// Metadata comes from the beacon store. Failed attempts are retried up to
// maxRetries times, waiting per the first matching transport's backoff.
// Concurrent calls for the same device share one attempt.
func (r *ConnectionRegistry) Connect(ctx context.Context, device proto.DeviceID, maxRetries int) (transport.Conn, error) {
	for {
		if conns := r.Connections(device); len(conns) > 0 {
			return conns[0], nil
		}
		// The shared attempt runs under the context of the caller that
		// started it. Each caller still waits on its own context.
		ch := r.group.DoChan(string(device), func() (any, error) {
			if conns := r.Connections(device); len(conns) > 0 {
				return conns[0], nil
			}
			return r.connect(ctx, device, maxRetries)
		})
		select {
		case <-ctx.Done():
			return nil, &ConnectError{Device: device, Err: ctx.Err()}
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && ctx.Err() == nil && isCancellation(res.Err) {
					// The caller that led the attempt gave up, this one has not.
					continue
				}
				return nil, res.Err
			}
			return res.Val.(transport.Conn), nil
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type candidate struct {
	t  transport.Transport
	md proto.ConnectionMetaData
}

func (r *ConnectionRegistry) candidates(mds []proto.ConnectionMetaData) []candidate {
	var out []candidate
	for _, md := range mds {
		for _, t := range r.transports {
			if t.Name() == md.Transport {
				out = append(out, candidate{t: t, md: md})
			}
		}
	}
	return out
}

func (r *ConnectionRegistry) connect(ctx context.Context, device proto.DeviceID, maxRetries int) (transport.Conn, error) {
	if r.hello == nil {
		return nil, &ConnectError{Device: device, Err: ErrNoHelloConfigured}
	}
	mds := r.store.Get(device)
	if len(mds) == 0 {
		return nil, &ConnectError{Device: device, Err: ErrNoMetaData}
	}
	cands := r.candidates(mds)
	if len(cands) == 0 {
		return nil, &ConnectError{Device: device, Err: ErrNoTransport}
	}
	backoff := cands[0].t.Config()

	attempts := maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoff.Delay(attempt - 1)
			slog.Debug("Retrying connect", "device", device, "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &ConnectError{Device: device, Attempts: attempt - 1, Err: ctx.Err()}
			case <-timer.C:
			}
		}
		for _, c := range cands {
			if err := ctx.Err(); err != nil {
				return nil, &ConnectError{Device: device, Attempts: attempt, Err: err}
			}
			conn, err := c.t.Connect(ctx, c.md, r.hello())
			if err != nil {
				lastErr = err
				continue
			}
			if conn.Remote() != device {
				conn.Close()
				lastErr = fmt.Errorf("%w: dialed %s, reached %s", ErrIdentityMismatch, device, conn.Remote())
				continue
			}
			r.Register(conn)
			return conn, nil
		}
		slog.Debug("Connect attempt failed", "device", device, "attempt", attempt, "error", lastErr)
	}
	return nil, &ConnectError{Device: device, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)}
}
