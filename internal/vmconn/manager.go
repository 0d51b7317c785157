/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/vmlink/internal/pubsub"
	"github.com/microsoft/vmlink/pkg/resiliency"
)

const (
	// DefaultMaxReconnectAttempts is the number of reconnection attempts per
	// campaign when Config.MaxReconnectAttempts is zero.
	DefaultMaxReconnectAttempts = 10

	// DefaultBackoffBase is the initial reconnection delay.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultBackoffCap is the maximum reconnection delay.
	DefaultBackoffCap = 30 * time.Second

	// DefaultHandshakeTimeout bounds the getVersion exchange after dialing.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultRequestTimeout is used by Call when the caller passes no timeout.
	DefaultRequestTimeout = 10 * time.Second

	// supportedProtocolMajor is the protocol major version this client speaks.
	// A service reporting a different major version is rejected without retry.
	supportedProtocolMajor = 4
)

// Config contains configuration for creating a Manager.
type Config struct {
	// Endpoint is the service URI (ws:// or wss://).
	Endpoint string

	// Dialer establishes transports. If nil, a WebsocketDialer is used.
	Dialer Dialer

	// MaxReconnectAttempts is the number of attempts within one reconnection
	// campaign before the manager gives up and becomes terminally disconnected.
	// Zero means DefaultMaxReconnectAttempts; negative disables reconnection.
	MaxReconnectAttempts int

	// BackoffBase is the initial delay between reconnection attempts.
	// If zero, DefaultBackoffBase is used.
	BackoffBase time.Duration

	// BackoffCap is the maximum delay between reconnection attempts.
	// If zero, DefaultBackoffCap is used.
	BackoffCap time.Duration

	// HandshakeTimeout bounds the protocol version exchange after dialing.
	// If zero, DefaultHandshakeTimeout is used.
	HandshakeTimeout time.Duration

	// Logger for connection operations. If unset, logging is disabled.
	Logger logr.Logger
}

// Manager owns the transport to the service. It runs the connect/read/reconnect
// loop, publishes connection-state transitions, and is the sole writer to the
// transport. All requests and stream subscriptions go through it.
type Manager struct {
	config Config
	log    logr.Logger

	correlator *Correlator
	router     *StreamRouter

	// states publishes a State snapshot on every transition and replays the
	// current state to new subscribers.
	states *pubsub.SubscriptionSet[State]

	// lifetimeCtx bounds subscription queue goroutines; cancelled when Run exits.
	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc

	// mu guards conn and state.
	mu    sync.Mutex
	conn  Transport
	state State

	// sendMu serializes writes to the transport (single-writer invariant:
	// concurrent writers would interleave frames).
	sendMu sync.Mutex

	done chan struct{}
}

// NewManager creates a new Manager. Run must be called to start connecting.
func NewManager(config Config) *Manager {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	if config.Dialer == nil {
		config.Dialer = &WebsocketDialer{}
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = DefaultBackoffCap
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	lifetimeCtx, lifetimeCancel := context.WithCancel(context.Background())

	m := &Manager{
		config:         config,
		log:            log,
		states:         pubsub.NewReplaySubscriptionSet[State](),
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		state:          State{Phase: PhaseDisconnected},
		done:           make(chan struct{}),
	}
	m.correlator = newCorrelator(m, log.WithName("correlator"))
	m.router = newStreamRouter(lifetimeCtx, m.correlator, log.WithName("router"))

	// Seed the replay value so early subscribers observe the current state.
	m.states.Notify(m.state)

	return m
}

// Call issues a request and waits for its resolution. A zero timeout means
// DefaultRequestTimeout. Safe for concurrent use from many goroutines.
func (m *Manager) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return m.correlator.Call(ctx, method, params, timeout)
}

// Subscribe registers a subscriber for the named stream. The subscription is
// closed with ErrSubscriptionStale when the transport drops.
func (m *Manager) Subscribe(stream string) *StreamSubscription {
	return m.router.Subscribe(stream)
}

// SubscribeState subscribes to connection-state transitions. The current state
// is replayed immediately, so the sink must be buffered (capacity >= 1).
func (m *Manager) SubscribeState(sink chan<- State) *pubsub.Subscription[State] {
	return m.states.Subscribe(sink)
}

// CurrentState returns the most recently published connection state.
func (m *Manager) CurrentState() State {
	if last, published := m.states.Last(); published {
		return last
	}
	return State{Phase: PhaseDisconnected}
}

// Done is closed when Run has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run connects to the endpoint and processes frames until the context is
// cancelled (clean shutdown, returns nil), the service reports an unsupported
// protocol version (returns ErrProtocolVersion), or a reconnection campaign
// exhausts its attempts (returns ErrDisconnected).
func (m *Manager) Run(ctx context.Context) (err error) {
	defer close(m.done)
	defer m.lifetimeCancel()
	defer m.states.CancelAll()
	defer func() {
		if panicVal := recover(); panicVal != nil {
			err = resiliency.MakePanicError(panicVal, m.log)
		}
	}()

	m.setState(State{Phase: PhaseConnecting})

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.config.BackoffBase),
		backoff.WithMaxInterval(m.config.BackoffCap),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.25),
		backoff.WithMaxElapsedTime(0),
	)

	attempt := 0
	for {
		conn, readErrC, connectErr := m.connect(ctx)
		if connectErr != nil {
			if ctx.Err() != nil {
				return m.shutdown(nil)
			}
			if IsTerminal(connectErr) {
				m.log.Error(connectErr, "Giving up on connection", "endpoint", m.config.Endpoint)
				m.terminate()
				return connectErr
			}

			attempt++
			if m.config.MaxReconnectAttempts < 0 || attempt > m.config.MaxReconnectAttempts {
				m.log.Error(connectErr, "Reconnection attempts exhausted", "attempts", attempt-1)
				m.terminate()
				return fmt.Errorf("%w: %v", ErrDisconnected, connectErr)
			}

			m.log.V(1).Info("Connection attempt failed, will retry", "attempt", attempt, "error", connectErr)
			m.setState(State{Phase: PhaseReconnecting, Attempt: uint(attempt)})
			if !m.sleep(ctx, bo.NextBackOff()) {
				return m.shutdown(nil)
			}
			continue
		}

		// Connected. Reset the campaign before anyone observes the new state.
		attempt = 0
		bo.Reset()
		m.setState(State{Phase: PhaseConnected})
		m.log.Info("Connected", "endpoint", m.config.Endpoint)

		select {
		case <-ctx.Done():
			m.dropConn(conn)
			<-readErrC
			return m.shutdown(nil)

		case readErr := <-readErrC:
			m.dropConn(conn)
			if ctx.Err() != nil {
				return m.shutdown(nil)
			}

			// Transport loss: every pending request gets a definitive result and
			// every stream subscription goes stale, before the state transition
			// is published.
			m.log.V(1).Info("Transport lost", "error", readErr)
			m.correlator.failAll(ErrConnectionLost)
			m.router.invalidateAll(ErrSubscriptionStale)

			if m.config.MaxReconnectAttempts < 0 {
				m.terminate()
				return fmt.Errorf("%w: %v", ErrDisconnected, readErr)
			}

			attempt = 1
			m.setState(State{Phase: PhaseReconnecting, Attempt: 1})
			if !m.sleep(ctx, bo.NextBackOff()) {
				return m.shutdown(nil)
			}
		}
	}
}

// connect dials the endpoint and performs the protocol handshake. On success
// the returned channel yields the read loop's eventual failure.
func (m *Manager) connect(ctx context.Context) (Transport, <-chan error, error) {
	conn, err := m.config.Dialer.Dial(ctx, m.config.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	readErrC := make(chan error, 1)
	go func() {
		readErrC <- m.readFrames(conn)
	}()

	if err := m.handshake(ctx); err != nil {
		m.dropConn(conn)
		<-readErrC
		// The handshake request is the only possible pending entry here.
		m.correlator.failAll(ErrConnectionLost)
		return nil, nil, err
	}

	return conn, readErrC, nil
}

// handshake verifies the service's protocol version. A version mismatch or an
// unreadable version payload is fatal; anything else is a retryable failure.
func (m *Manager) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	result, err := m.correlator.Call(hsCtx, "getVersion", nil, m.config.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	var version struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
	}
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("%w: unreadable version payload: %v", ErrProtocolVersion, err)
	}
	if version.Major != supportedProtocolMajor {
		return fmt.Errorf("%w: service reports %d.%d, this client speaks %d.x",
			ErrProtocolVersion, version.Major, version.Minor, supportedProtocolMajor)
	}

	m.log.V(1).Info("Handshake complete", "major", version.Major, "minor", version.Minor)
	return nil
}

// readFrames is the read loop: it is the only goroutine that reads the
// transport, and it feeds every frame to the router on this goroutine, which
// preserves per-stream event ordering.
func (m *Manager) readFrames(conn Transport) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		m.router.dispatch(data)
	}
}

// sendFrame hands one serialized frame to the transport, serializing
// concurrent senders. Fails fast when no live transport exists so no request
// is issued against a socket already known dead.
func (m *Manager) sendFrame(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	phase := m.state.Phase
	m.mu.Unlock()

	if conn == nil {
		if phase == PhaseDisconnected {
			return ErrDisconnected
		}
		return ErrConnectionLost
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := conn.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: write failed: %v", ErrConnectionLost, err)
	}
	return nil
}

func (m *Manager) dropConn(conn Transport) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// terminate is the path for giving up without owner teardown: reconnection
// attempts are exhausted or the protocol version is unsupported. Anything
// still pending gets a definitive ErrDisconnected result.
func (m *Manager) terminate() {
	m.correlator.failAll(ErrDisconnected)
	m.router.invalidateAll(ErrDisconnected)
	m.setState(State{Phase: PhaseDisconnected})
}

// shutdown performs owner teardown: all pending requests and subscriptions are
// cancelled with ErrSessionClosed (distinguished from Timeout and
// ConnectionLost so callers can message it differently).
func (m *Manager) shutdown(err error) error {
	m.correlator.failAll(ErrSessionClosed)
	m.router.invalidateAll(ErrSessionClosed)
	m.setState(State{Phase: PhaseDisconnected})
	m.log.V(1).Info("Connection manager stopped")
	return err
}

// sleep waits for the backoff delay. Returns false if the context was
// cancelled first.
func (m *Manager) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// setState records and publishes a state transition. The transition is
// published before the caller proceeds, so dependent components never act on
// a state they have not been told about.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.log.V(1).Info("Connection state changed", "state", s.String())
	m.states.Notify(s)
}
