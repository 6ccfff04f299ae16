package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/v1/protocol"
)

var errConnClosed = errors.New("mock connection closed")

type inboundFrame struct {
	messageType int
	data        []byte
}

// mockConn is a scriptable wsConnection: tests queue inbound frames and
// inspect everything the pumps wrote.
type mockConn struct {
	inbound chan inboundFrame

	mu      sync.Mutex
	written []inboundFrame

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan inboundFrame, 16),
		closed:  make(chan struct{}),
	}
}

// queueText hands a text frame to the read pump.
func (m *mockConn) queueText(data []byte) {
	m.inbound <- inboundFrame{messageType: websocket.TextMessage, data: data}
}

func (m *mockConn) queueEvent(event string, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	m.queueText(data)
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.inbound:
		return f.messageType, f.data, nil
	case <-m.closed:
		return 0, nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, inboundFrame{messageType: messageType, data: data})
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetReadLimit(int64)                     {}
func (m *mockConn) SetReadDeadline(time.Time) error        { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error       { return nil }
func (m *mockConn) SetPongHandler(func(string) error)      {}

// writtenEnvelopes decodes every text frame written so far.
func (m *mockConn) writtenEnvelopes() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.Envelope
	for _, f := range m.written {
		if f.messageType != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(f.data, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// waitForEvent polls until an envelope with the given type was written.
func (m *mockConn) waitForEvent(event string, timeout time.Duration) (protocol.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, env := range m.writtenEnvelopes() {
			if env.Type == event {
				return env, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return protocol.Envelope{}, false
}
