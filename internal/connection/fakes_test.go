package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeClock records AfterFunc calls; tests fire timers by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that were neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// pendingFor returns pending timers whose delay is d.
func (c *fakeClock) pendingFor(d time.Duration) []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.pending() {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Fire runs the callback synchronously unless the timer was stopped.
func (t *fakeTimer) Fire() {
	t.clock.mu.Lock()
	if t.stopped || t.fired {
		t.clock.mu.Unlock()
		return
	}
	t.fired = true
	t.clock.mu.Unlock()
	t.f()
}

// ForceFire runs the callback even if the timer was stopped, the way a
// runtime timer can race with Stop.
func (t *fakeTimer) ForceFire() {
	t.clock.mu.Lock()
	t.fired = true
	t.clock.mu.Unlock()
	t.f()
}

// fakeDialer hands out fakeConns, or fails while err is set. When gate is
// non-nil every Dial blocks until it is closed.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	dials   int
	conns   []*fakeConn
	headers []http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.conns) > i
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// fakeConn is an in-memory transport. Frames pushed with deliver come out of
// ReadMessage; remoteClose makes ReadMessage fail with a close code.
type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	readErr error
	written [][]byte
	code    int
	local   bool
	wErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wErr != nil {
		return c.wErr
	}
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shutdown(code, true, &websocket.CloseError{Code: code, Text: reason})
	return nil
}

func (c *fakeConn) remoteClose(code int) {
	var err error = &websocket.CloseError{Code: code}
	if code == websocket.CloseAbnormalClosure {
		err = io.ErrUnexpectedEOF
	}
	c.shutdown(code, false, err)
}

func (c *fakeConn) shutdown(code int, local bool, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.local = local
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not take frame %q", frame)
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.wErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// frames returns written frames decoded as generic maps.
func (c *fakeConn) frames(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, w := range c.written {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err != nil {
			t.Fatalf("written frame is not JSON: %q", w)
		}
		out = append(out, m)
	}
	return out
}

// frameTypes returns the "type" field of every written frame.
func (c *fakeConn) frameTypes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range c.frames(t) {
		s, _ := f["type"].(string)
		out = append(out, s)
	}
	return out
}

// countingRecorder counts Recorder calls.
type countingRecorder struct {
	mu         sync.Mutex
	sent       int
	received   int
	dropped    map[string]int
	reconnects []time.Duration
	depth      int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{dropped: make(map[string]int)}
}

func (r *countingRecorder) StatusChanged(from, to Status) {}

func (r *countingRecorder) FrameSent() {
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
}

func (r *countingRecorder) FrameReceived() {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *countingRecorder) FramesDropped(reason string, n int) {
	r.mu.Lock()
	r.dropped[reason] += n
	r.mu.Unlock()
}

func (r *countingRecorder) ReconnectScheduled(attempt int, delay time.Duration) {
	r.mu.Lock()
	r.reconnects = append(r.reconnects, delay)
	r.mu.Unlock()
}

func (r *countingRecorder) QueueDepth(n int) {
	r.mu.Lock()
	r.depth = n
	r.mu.Unlock()
}

func (r *countingRecorder) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

// mutableToken is a TokenNotifier for tests.
type mutableToken struct {
	mu        sync.Mutex
	token     string
	listeners []func(prev, next string)
}

func (t *mutableToken) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *mutableToken) OnChange(fn func(prev, next string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
	idx := len(t.listeners) - 1
	return func() {
		t.mu.Lock()
		t.listeners[idx] = nil
		t.mu.Unlock()
	}
}

func (t *mutableToken) set(next string) {
	t.mu.Lock()
	prev := t.token
	t.token = next
	listeners := append([]func(prev, next string){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(prev, next)
		}
	}
}

// tokenFunc is a TokenSource that cannot report changes.
type tokenFunc func() string

func (f tokenFunc) Token() string { return f() }

type testEnv struct {
	mgr    *Manager
	dialer *fakeDialer
	clock  *fakeClock
	rec    *countingRecorder
}

// newTestManager builds a manager on fakes. mutate may adjust the config.
func newTestManager(t *testing.T, tokens TokenSource, mutate func(*ManagerConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer: &fakeDialer{},
		clock:  newFakeClock(),
		rec:    newCountingRecorder(),
	}
	cfg := DefaultManagerConfig()
	cfg.URL = "ws://suite.test/api/ws"
	cfg.Dialer = env.dialer
	cfg.Clock = env.clock
	cfg.Recorder = env.rec
	if mutate != nil {
		mutate(&cfg)
	}
	env.mgr = NewManager(cfg, tokens, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.mgr.Close(ctx)
	})
	return env
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", m.Status(), want)
}

var errRefused = errors.New("connection refused")
