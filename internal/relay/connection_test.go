package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu           sync.Mutex
	frames       []Frame
	unregistered []*Connection
	err          error
}

func (d *recordingDispatcher) Broadcast(_ *Connection, frame Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, frame)
	return nil
}

func (d *recordingDispatcher) Unregister(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregistered = append(d.unregistered, c)
}

func (d *recordingDispatcher) received() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Frame(nil), d.frames...)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNewConnection_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newConnWith(t, ConnectionOptions{})

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "192.0.2.1:4000", c.RemoteAddr())
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 256, cap(c.send))
	assert.Equal(t, DefaultKeepAliveInterval, c.opts.KeepAliveInterval)
	assert.NotNil(t, c.clock)
	assert.Nil(t, c.limiter)
}

func TestConnection_IDsAreUnique(t *testing.T) {
	f := newFixture(t)
	a, _ := f.newConn(t)
	b, _ := f.newConn(t)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestConnection_Lifecycle(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)

	require.NoError(t, c.Send(TextFrame([]byte("a"))))

	assert.True(t, c.beginClose())
	assert.False(t, c.beginClose())
	assert.Equal(t, StateClosing, c.State())
	assert.ErrorIs(t, c.Send(TextFrame([]byte("b"))), ErrConnectionClosed)
	assert.ErrorIs(t, c.Ping(), ErrConnectionClosed)

	c.markClosed()
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, socket.isClosed())
	assert.False(t, c.beginClose())
}

func TestConnection_MarkClosedFromOpen(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)

	c.markClosed()

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, socket.isClosed())
	select {
	case <-c.closing:
	default:
		t.Fatal("closing channel should be closed")
	}
}

func TestConnection_SendBufferFull(t *testing.T) {
	f := newFixture(t)
	opts := f.options()
	opts.SendBufferSize = 2
	c, _ := f.newConnWith(t, opts)

	require.NoError(t, c.Send(TextFrame([]byte("1"))))
	require.NoError(t, c.Send(TextFrame([]byte("2"))))
	assert.ErrorIs(t, c.Send(TextFrame([]byte("3"))), ErrSendBufferFull)
}

func TestReadPump_ForwardsFramesInOrder(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)
	d := &recordingDispatcher{}

	socket.deliver(websocket.TextMessage, []byte("one"))
	socket.deliver(websocket.BinaryMessage, []byte{2})
	socket.deliver(websocket.TextMessage, []byte("three"))
	socket.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	c.readPump(d)

	assert.Equal(t, []Frame{
		{Type: websocket.TextMessage, Data: []byte("one")},
		{Type: websocket.BinaryMessage, Data: []byte{2}},
		{Type: websocket.TextMessage, Data: []byte("three")},
	}, d.received())
	assert.Equal(t, []*Connection{c}, d.unregistered)
	assert.Equal(t, StateClosing, c.State())
	assert.Equal(t, int64(64*1024), socket.readLimit)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.MessagesReceived))
}

func TestReadPump_TransportErrorTriggersClose(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)
	d := &recordingDispatcher{}

	socket.fail(errBoom)
	c.readPump(d)

	assert.Equal(t, StateClosing, c.State())
	assert.Len(t, d.unregistered, 1)
	assert.Contains(t, f.logs.String(), "WebSocket read error")
}

func TestReadPump_StopsWhenHubRejects(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)
	d := &recordingDispatcher{err: ErrHubStopped}

	socket.deliver(websocket.TextMessage, []byte("lost"))
	c.readPump(d)

	assert.Len(t, d.unregistered, 1)
}

func TestReadPump_RateLimitDropsExcess(t *testing.T) {
	f := newFixture(t)
	opts := f.options()
	opts.RateLimitBurst = 2
	opts.RateLimitInterval = time.Second
	c, socket := f.newConnWith(t, opts)
	d := &recordingDispatcher{}

	for i := range 5 {
		socket.deliver(websocket.TextMessage, []byte{byte('a' + i)})
	}
	socket.fail(&websocket.CloseError{Code: websocket.CloseGoingAway})

	c.readPump(d)

	// The fake clock never advances, so only the initial burst passes.
	assert.Len(t, d.received(), 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.MessagesRateLimited))
}

func TestSetupReadConnection(t *testing.T) {
	t.Run("no pong timeout clears the inherited deadline", func(t *testing.T) {
		f := newFixture(t)
		c, socket := f.newConn(t)

		c.setupReadConnection()

		assert.Equal(t, int64(64*1024), socket.readLimit)
		assert.Equal(t, []time.Time{{}}, socket.readDeadlines())
		require.NoError(t, socket.pong())
		assert.Len(t, socket.readDeadlines(), 1)
	})

	t.Run("pong extends the deadline", func(t *testing.T) {
		f := newFixture(t)
		opts := f.options()
		opts.PongTimeout = time.Minute
		c, socket := f.newConnWith(t, opts)

		c.setupReadConnection()
		f.clock.Advance(30 * time.Second)
		require.NoError(t, socket.pong())

		start := f.clock.Now().Add(-30 * time.Second)
		assert.Equal(t, []time.Time{
			start.Add(time.Minute),
			start.Add(30*time.Second + time.Minute),
		}, socket.readDeadlines())
	})
}

func TestWritePump_WritesQueuedFramesThenCloses(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)

	require.NoError(t, c.Send(TextFrame([]byte("first"))))
	require.NoError(t, c.Send(Frame{Type: websocket.BinaryMessage, Data: []byte{9}}))

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	require.Eventually(t, func() bool { return len(socket.frames()) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.Send(TextFrame([]byte("last"))))
	c.beginClose()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit")
	}

	frames := socket.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, "first", string(frames[0].Data))
	assert.Equal(t, websocket.BinaryMessage, frames[1].Type)
	assert.Equal(t, "last", string(frames[2].Data))
	assert.Equal(t, 1, socket.closeFrameCount())
	assert.True(t, socket.isClosed())
}

func TestWritePump_WriteErrorBeginsClose(t *testing.T) {
	f := newFixture(t)
	c, socket := f.newConn(t)
	socket.writeErr = errBoom

	require.NoError(t, c.Send(TextFrame([]byte("doomed"))))
	c.writePump()

	assert.Equal(t, StateClosing, c.State())
	assert.True(t, socket.isClosed())
	assert.Contains(t, f.logs.String(), "Error writing message")
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, isExpectedCloseError(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.True(t, isExpectedCloseError(websocket.ErrCloseSent))
	assert.False(t, isExpectedCloseError(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, isExpectedCloseError(errBoom))
}
