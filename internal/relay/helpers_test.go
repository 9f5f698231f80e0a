package relay

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/wsrelay/internal/logging"
	"github.com/Tyrowin/wsrelay/internal/metrics"
)

type readResult struct {
	frameType int
	data      []byte
	err       error
}

// fakeSocket is an in-memory Socket. Frames pushed with deliver are returned
// by ReadMessage; everything written is recorded.
type fakeSocket struct {
	mu          sync.Mutex
	reads       chan readResult
	closeCh     chan struct{}
	closed      bool
	written     []Frame
	pings       int
	closeFrames int
	readLimit   int64
	readDL      []time.Time
	pongHandler func(string) error
	writeErr    error
	pingErr     error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads:   make(chan readResult, 16),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeSocket) deliver(frameType int, data []byte) {
	s.reads <- readResult{frameType: frameType, data: data}
}

func (s *fakeSocket) fail(err error) {
	s.reads <- readResult{err: err}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case r := <-s.reads:
		return r.frameType, r.data, r.err
	case <-s.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	switch messageType {
	case websocket.PingMessage:
		if s.pingErr != nil {
			return s.pingErr
		}
		s.pings++
	case websocket.CloseMessage:
		s.closeFrames++
	}
	return nil
}

func (s *fakeSocket) SetReadLimit(limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readLimit = limit
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDL = append(s.readDL, t)
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongHandler = h
}

func (s *fakeSocket) readDeadlines() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.readDL...)
}

func (s *fakeSocket) pong() error {
	s.mu.Lock()
	h := s.pongHandler
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h("")
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.written...)
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeSocket) closeFrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFrames
}

type fixture struct {
	clock    *clockwork.FakeClock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	logs     *syncBuffer
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	f := &fixture{
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    logs,
		logger:  logging.New(logs, "debug", "text"),
	}
	f.registry = NewRegistry(f.clock, f.logger, f.metrics)
	return f
}

func (f *fixture) options() ConnectionOptions {
	opts := DefaultConnectionOptions()
	opts.Clock = f.clock
	return opts
}

func (f *fixture) newConn(t *testing.T) (*Connection, *fakeSocket) {
	t.Helper()
	return f.newConnWith(t, f.options())
}

func (f *fixture) newConnWith(t *testing.T, opts ConnectionOptions) (*Connection, *fakeSocket) {
	t.Helper()
	socket := newFakeSocket()
	c := NewConnection(socket, "192.0.2.1:4000", opts, f.logger, f.metrics)
	t.Cleanup(func() { c.keepAlive.cancel() })
	return c, socket
}

func (f *fixture) relay(mode RecipientMode) *Relay {
	return NewRelay(f.registry, mode, f.clock, f.logger, f.metrics)
}

// queued drains every frame waiting in c's outbound queue.
func queued(c *Connection) []Frame {
	var frames []Frame
	for {
		select {
		case frame := <-c.send:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var errBoom = errors.New("boom")
