// Package liveness detects peers that stopped answering transport-level pings.
//
// Each connection owns one Monitor. On every interval tick an idle monitor sends a
// probe and arms a deadline; a pong before the deadline returns it to idle, expiry
// (or a failed probe send) marks it dead and fires OnDead exactly once. Application
// traffic never resets the cadence.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
)

// State is the heartbeat state of one connection
type State int32

const (
	StateIdle State = iota
	StateProbeSent
	StateDead
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbeSent:
		return "probe_sent"
	case StateDead:
		return "dead"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Prober sends one probe to the peer
type Prober interface {
	Ping() error
}

// ProberFunc adapts a function to Prober
type ProberFunc func() error

// Ping implements Prober
func (f ProberFunc) Ping() error { return f() }

// Options configures a Monitor
type Options struct {
	Interval time.Duration
	Deadline time.Duration
	Logger   *logging.Logger
	// OnDead runs on the monitor goroutine once the peer is declared dead.
	// It must not call Stop.
	OnDead func(err error)
}

// DefaultOptions mirrors the reference cadence: probe every 5s, expect a pong within 1s
func DefaultOptions() Options {
	return Options{
		Interval: 5 * time.Second,
		Deadline: time.Second,
	}
}

// Monitor is the per-connection heartbeat state machine
type Monitor struct {
	prober  Prober
	options Options
	logger  *logging.Logger

	state     atomic.Int32
	confirmed atomic.Int64

	pong     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a monitor; call Start to begin probing
func New(prober Prober, options Options) *Monitor {
	if options.Logger == nil {
		options.Logger = logging.NewNop()
	}

	return &Monitor{
		prober:  prober,
		options: options,
		logger:  options.Logger,
		pong:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Calling it twice has no effect.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Pong records a pong from the peer. It never blocks.
func (m *Monitor) Pong() {
	select {
	case m.pong <- struct{}{}:
	default:
	}
}

// Stop halts the monitor and waits for its goroutine, so no timer fires afterwards.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

// State returns the current heartbeat state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Confirmed returns how many probes were answered in time
func (m *Monitor) Confirmed() int64 {
	return m.confirmed.Load()
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-m.stop:
			m.state.Store(int32(StateStopped))
			return

		case <-ticker.C:
			if m.State() != StateIdle {
				continue
			}

			// an unsolicited pong must not answer the probe about to be sent
			select {
			case <-m.pong:
			default:
			}

			if err := m.prober.Ping(); err != nil {
				m.die(errors.Wrap(err, errors.ErrorTypeLiveness, domain.ErrLivenessTimeout.Code, "probe send failed"))
				return
			}

			m.state.Store(int32(StateProbeSent))
			timer = time.NewTimer(m.options.Deadline)
			deadline = timer.C

		case <-m.pong:
			if m.State() != StateProbeSent {
				continue
			}
			timer.Stop()
			deadline = nil
			m.state.Store(int32(StateIdle))
			m.confirmed.Add(1)

		case <-deadline:
			m.die(domain.ErrLivenessTimeout)
			return
		}
	}
}

func (m *Monitor) die(err error) {
	m.state.Store(int32(StateDead))
	m.logger.Warn("peer declared dead", "error", err)

	if m.options.OnDead != nil {
		m.options.OnDead(err)
	}
}
