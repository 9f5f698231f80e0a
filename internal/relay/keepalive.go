package relay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultKeepAliveInterval is the ping interval used when none is configured.
const DefaultKeepAliveInterval = 30 * time.Second

// keepAlive calls probe on every tick until cancelled. It is started once and
// cancelled once; the probe decides whether the connection is still open.
type keepAlive struct {
	clock    clockwork.Clock
	interval time.Duration
	probe    func()

	startOnce  sync.Once
	cancelOnce sync.Once
	stop       chan struct{}
	done       chan struct{}
}

func newKeepAlive(clock clockwork.Clock, interval time.Duration, probe func()) *keepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &keepAlive{
		clock:    clock,
		interval: interval,
		probe:    probe,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (k *keepAlive) start() {
	k.startOnce.Do(func() {
		go k.run()
	})
}

func (k *keepAlive) run() {
	defer close(k.done)

	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.Chan():
			// A tick racing with cancel must not probe.
			select {
			case <-k.stop:
				return
			default:
			}
			k.probe()
		}
	}
}

// cancel stops the ticker. Safe to call before start and more than once.
func (k *keepAlive) cancel() {
	k.cancelOnce.Do(func() {
		close(k.stop)
		// Never started: nothing will close done.
		k.startOnce.Do(func() { close(k.done) })
	})
}

// wait blocks until the ticker goroutine has exited.
func (k *keepAlive) wait() {
	<-k.done
}
