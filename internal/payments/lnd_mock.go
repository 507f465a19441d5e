package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"invoicehook/internal/logging"
)

// MockNodeClient implements NodeClient for testing and development.
type MockNodeClient struct {
	mu         sync.Mutex
	nextIndex  uint64
	invoices   map[uint64]*Invoice
	updates    chan *StreamMessage
	autoSettle time.Duration
	createErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// NewMockNodeClient creates a new mock node client. Indexes start at 1.
func NewMockNodeClient() *MockNodeClient {
	return &MockNodeClient{
		nextIndex: 1,
		invoices:  make(map[uint64]*Invoice),
		updates:   make(chan *StreamMessage, 100),
		done:      make(chan struct{}),
	}
}

// SetAutoSettle makes every created invoice settle after d (for development).
func (m *MockNodeClient) SetAutoSettle(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoSettle = d
}

// SetNextIndex sets the index the next created invoice receives.
func (m *MockNodeClient) SetNextIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIndex = index
}

// SetCreateError makes CreateInvoice fail with err until cleared with nil.
func (m *MockNodeClient) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

func (m *MockNodeClient) CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return nil, m.createErr
	}

	suffix, err := randomHex(10)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		Index:          m.nextIndex,
		PaymentRequest: "lnbc" + strconv.FormatInt(amountMsat/1000, 10) + "n1" + suffix, // Fake BOLT11
	}
	m.invoices[inv.Index] = inv
	m.nextIndex++

	if m.autoSettle > 0 {
		delay := m.autoSettle
		go func() {
			time.Sleep(delay)
			logging.LND.Infof("mock: auto-settling invoice %d", inv.Index)
			m.SimulatePayment(inv.Index)
		}()
	}

	return inv, nil
}

func (m *MockNodeClient) SubscribeSettlements(ctx context.Context) (SettlementStream, error) {
	return &mockStream{ctx: ctx, updates: m.updates, done: m.done}, nil
}

// SimulatePayment simulates a settlement being observed by the node.
func (m *MockNodeClient) SimulatePayment(index uint64) {
	m.SimulateUpdate(index, true)
}

// SimulateUpdate emits an invoice update with the given settled flag.
func (m *MockNodeClient) SimulateUpdate(index uint64, settled bool) {
	state := "OPEN"
	if settled {
		state = "SETTLED"
	}
	payload, _ := json.Marshal(map[string]any{
		"add_index": strconv.FormatUint(index, 10),
		"settled":   settled,
		"state":     state,
	})
	m.SimulateMessage(&StreamMessage{
		Kind:  MessageSettlement,
		Event: NewSettlementEvent(index, settled, payload),
		Raw:   payload,
	})
}

// SimulateMessage pushes an arbitrary stream message. It is dropped once
// the client is closed.
func (m *MockNodeClient) SimulateMessage(msg *StreamMessage) {
	select {
	case <-m.done:
	case m.updates <- msg:
	}
}

// Close ends every open subscription. It is safe to call more than once.
func (m *MockNodeClient) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

type mockStream struct {
	ctx     context.Context
	updates <-chan *StreamMessage
	done    <-chan struct{}
}

func (s *mockStream) Recv() (*StreamMessage, error) {
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case <-s.done:
		return nil, io.EOF
	case msg := <-s.updates:
		return msg, nil
	}
}

func (s *mockStream) Close() error {
	return nil
}

func randomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
