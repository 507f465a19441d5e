package payments

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"invoicehook/internal/logging"
	"invoicehook/internal/metrics"
)

// ListenerState is the connection state of the settlement listener.
type ListenerState int

const (
	StateDisconnected ListenerState = iota
	StateConnecting
	StateStreaming
)

func (s ListenerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// EventHandler receives settlement events in stream order. The listener does
// not read the next message until the handler returns.
type EventHandler func(ctx context.Context, event *SettlementEvent)

// Listener owns the settlement subscription: it connects, consumes events one
// at a time, and reconnects with exponential backoff forever. It also owns
// the process-wide health flag.
type Listener struct {
	node    NodeClient
	handle  EventHandler
	backoff *Backoff
	metrics *metrics.Metrics

	mu      sync.RWMutex
	healthy bool
	state   ListenerState
	started bool

	wait func(ctx context.Context, d time.Duration) error
}

// NewListener creates a listener that feeds events to handle. m may be nil.
func NewListener(node NodeClient, handle EventHandler, m *metrics.Metrics) *Listener {
	return &Listener{
		node:    node,
		handle:  handle,
		backoff: NewBackoff(time.Second),
		metrics: m,
		wait:    sleepContext,
	}
}

// Healthy reports whether the subscription is connected and not in an
// observed upstream error state.
func (l *Listener) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.healthy
}

// State returns the current connection state.
func (l *Listener) State() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) setHealthy(ok bool) {
	l.mu.Lock()
	l.healthy = ok
	l.mu.Unlock()
	l.metrics.SetListenerHealthy(ok)
}

func (l *Listener) setState(s ListenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Start runs the listener in a background goroutine. Calling it twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		logging.LND.Warn("invoice listener already started")
		return
	}
	l.started = true
	l.mu.Unlock()

	logging.LND.Info("starting invoice listener")
	go l.Run(ctx)
}

// Run consumes the subscription until ctx is cancelled. It never returns on
// its own: every disconnect leads to a backoff and a new subscription.
func (l *Listener) Run(ctx context.Context) {
	for {
		l.backoff.Next()
		l.connectAndConsume(ctx)

		l.setHealthy(false)
		l.setState(StateDisconnected)

		if ctx.Err() != nil {
			logging.LND.Info("invoice listener stopped")
			return
		}

		delay := l.backoff.Delay()
		logging.LND.Infof("LND hung up, retrying in %s", delay)
		if err := l.wait(ctx, delay); err != nil {
			logging.LND.Info("invoice listener stopped")
			return
		}
	}
}

func (l *Listener) connectAndConsume(ctx context.Context) {
	l.setState(StateConnecting)
	l.setHealthy(true)
	l.metrics.IncReconnects()

	logging.LND.Debug("sending invoice subscribe to LND")
	stream, err := l.node.SubscribeSettlements(ctx)
	if err != nil {
		logging.LND.Errorf("LND %s: %v", describeConnectError(err), err)
		return
	}
	defer stream.Close()

	l.setState(StateStreaming)
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.LND.Warn("LND closed subscription")
			} else {
				logging.LND.Warnf("LND subscription terminated: %v", err)
			}
			return
		}
		l.process(ctx, msg)
	}
}

func (l *Listener) process(ctx context.Context, msg *StreamMessage) {
	// Only a complete settlement record may touch health or backoff
	if msg.Kind == MessageSettlement {
		if err := msg.Event.Validate(); err != nil {
			msg = &StreamMessage{Kind: MessageMalformed, Err: err, Raw: msg.Raw}
		}
	}
	l.metrics.ObserveStreamMessage(msg.Kind.String())

	switch msg.Kind {
	case MessageUpstreamError:
		logging.LND.Errorf("error from LND: %v", msg.Err)
		l.setHealthy(false)
	case MessageSettlement:
		l.backoff.Reset()
		l.setHealthy(true)
		logging.LND.Debugf("got streamed from LND: %s", msg.Raw)
		l.dispatch(ctx, msg.Event)
	default:
		logging.LND.Warnf("dropping malformed message from LND: %v", msg.Err)
	}
}

// dispatch runs the handler, containing panics so the stream keeps going.
func (l *Listener) dispatch(ctx context.Context, event *SettlementEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.LND.Errorf("event handler panic: %v", r)
		}
	}()
	l.handle(ctx, event)
}

// describeConnectError classifies a subscribe failure for logging. Every
// class is retried the same way.
func describeConnectError(err error) string {
	var (
		certErr      *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		dnsErr       *net.DNSError
		opErr        *net.OpError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &authorityErr), errors.As(err, &hostnameErr):
		return "certificate verify failed"
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return "not reachable"
	default:
		return "subscribe failed"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
