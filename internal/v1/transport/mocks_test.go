package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/studyhive/studyhive/backend/go/internal/v1/bus"
	"github.com/studyhive/studyhive/backend/go/internal/v1/config"
	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/identity"
	"github.com/studyhive/studyhive/backend/go/internal/v1/journal"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/registry"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
)

const testHashSecret = "0123456789abcdef0123456789abcdef"

type wsFrame struct {
	mt   int
	data []byte
}

// fakeConn is an in-memory wsConnection. The test feeds inbound frames
// through in and inspects everything the gateway wrote.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []wsFrame
	scan   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, wsFrame{mt: mt, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// send feeds one client frame into the read pump.
func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	select {
	case f.in <- data:
	case <-time.After(time.Second):
		t.Fatal("read pump not draining")
	}
}

// waitFrame blocks until the gateway writes a text frame of the given
// type, skipping everything else.
func (f *fakeConn) waitFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for ; f.scan < len(f.frames); f.scan++ {
			fr := f.frames[f.scan]
			if fr.mt != websocket.TextMessage {
				continue
			}
			var m map[string]any
			if json.Unmarshal(fr.data, &m) != nil {
				continue
			}
			if m["type"] == frameType {
				f.scan++
				f.mu.Unlock()
				return m
			}
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("no %q frame within deadline", frameType)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitClose blocks until the gateway writes a close frame and returns
// its status text.
func (f *fakeConn) waitClose(t *testing.T) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for _, fr := range f.frames {
			if fr.mt == websocket.CloseMessage && len(fr.data) >= 2 {
				text := string(fr.data[2:])
				_ = binary.BigEndian.Uint16(fr.data[:2])
				f.mu.Unlock()
				return text
			}
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("no close frame within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// assertNoFrame asserts no text frame of the given type has been
// written yet.
func (f *fakeConn) assertNoFrame(t *testing.T, frameType string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if fr.mt != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(fr.data, &m) == nil && m["type"] == frameType {
			t.Fatalf("unexpected %q frame", frameType)
		}
	}
}

type testHub struct {
	hub   *Hub
	clock *testingclock.FakeClock
	ids   *identity.Service
	rooms *registry.Registry
	bus   *bus.Bus
	gov   *governor.Governor
}

// newTestHub stands the full gateway stack up on a temp database: three
// rooms of capacity four, generous rate limits unless the mutator says
// otherwise.
func newTestHub(t *testing.T, systemCapacity int, mutate func(*config.Config)) *testHub {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "gateway_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testingclock.NewFakeClock(time.Now())
	b := bus.New()
	t.Cleanup(b.Close)

	reg := registry.New(st, b, clk)
	require.NoError(t, reg.Bootstrap(context.Background(), 3, 4))
	ids := identity.New(st, 30*time.Minute, clk)
	jr := journal.New(st, 50, clk)

	cfg := &config.Config{
		RateLimitAPI:      "100-S",
		RateBlockAPI:      time.Minute,
		RateLimitIdentity: "100-S",
		RateBlockIdentity: time.Minute,
		RateLimitJoin:     "100-S",
		RateBlockJoin:     time.Minute,
		RateLimitChat:     "100-S",
		RateBlockChat:     30 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	engine, err := ratelimit.NewEngine(cfg, nil, clk)
	require.NoError(t, err)

	gov := governor.New(systemCapacity, 2, clk)
	opts := Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		HashSecret:       testHashSecret,
		PingInterval:     time.Minute,
		PingMaxMissed:    3,
		ChatHistoryLimit: 50,
	}
	return &testHub{
		hub:   NewHub(ids, reg, jr, b, engine, gov, opts, clk),
		clock: clk,
		ids:   ids,
		rooms: reg,
		bus:   b,
		gov:   gov,
	}
}

// connect wires a fake socket into the hub the way serve does.
func (th *testHub) connect(t *testing.T, hashedAddr, roomID string) (*Client, *fakeConn) {
	t.Helper()
	require.NoError(t, th.gov.Handshake(hashedAddr))
	conn := newFakeConn()
	c := newClient(th.hub, conn, hashedAddr, roomID)
	require.True(t, th.hub.register(c))
	if roomID == "" {
		c.bindLobby()
	} else if th.hub.opts.HandshakeTimeout > 0 {
		go c.joinDeadline(th.hub.opts.HandshakeTimeout)
	}
	go c.writePump()
	go c.readPump()
	t.Cleanup(func() { conn.Close() })
	return c, conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
