// Package registry holds the configured device table: one descriptor per
// logical device, its connection-state machine, and the live connection
// handle once one exists. The registry itself performs no network I/O.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/eltsu7/ruusti-tag/internal/events"
	"github.com/eltsu7/ruusti-tag/internal/metrics"
	"github.com/eltsu7/ruusti-tag/internal/transport"
)

// State is a device descriptor's position in the connection lifecycle.
type State string

const (
	StateUnseen     State = "unseen"
	StateDiscovered State = "discovered"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateSubscribed State = "subscribed"
	StateFailed     State = "failed"
)

// allowedEdges encodes the lifecycle: Unseen → Discovered → Connecting →
// Connected → Subscribed, Failed reachable from any in-flight state, and
// the retry edges out of Failed. There is no terminal state.
var allowedEdges = map[State][]State{
	StateUnseen:     {StateDiscovered},
	StateDiscovered: {StateConnecting},
	StateConnecting: {StateConnected, StateFailed},
	StateConnected:  {StateSubscribed, StateFailed},
	StateSubscribed: {StateFailed},
	StateFailed:     {StateDiscovered, StateConnecting},
}

func edgeAllowed(from, to State) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the event emitted on every descriptor state change.
type Transition struct {
	Name    string
	Address string
	From    State
	To      State
	At      time.Time
}

// Descriptor is one configured logical device. Created at startup, mutated
// only through Registry methods, never destroyed during a run: a device
// that disappears goes to StateFailed so operators keep visibility of it.
type Descriptor struct {
	name    string
	address string

	mu                  sync.Mutex
	state               State
	lastSeen            time.Time
	consecutiveFailures int
	conn                transport.Conn
}

func (d *Descriptor) Name() string    { return d.name }
func (d *Descriptor) Address() string { return d.address }

func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Descriptor) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

func (d *Descriptor) ConsecutiveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutiveFailures
}

// Conn returns the live connection, or nil outside Connected/Subscribed.
func (d *Descriptor) Conn() transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// Registry maps logical device names to descriptors. Iteration order is
// the sorted name order, fixed at construction.
type Registry struct {
	devices *orderedmap.OrderedMap[string, *Descriptor]
	byAddr  map[string]*Descriptor

	events  *events.Ring[Transition]
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// eventBufferSize bounds the transition ring; observers that fall behind
// lose the oldest events rather than stalling transitions.
const eventBufferSize = 64

// New builds a registry from the configured name→address mapping. Every
// descriptor starts in StateUnseen. Duplicate addresses are a
// configuration error.
func New(tags map[string]string, m *metrics.Metrics, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Registry{
		devices: orderedmap.New[string, *Descriptor](),
		byAddr:  make(map[string]*Descriptor, len(tags)),
		events:  events.NewRing[Transition](eventBufferSize),
		metrics: m,
		logger:  logger,
	}

	for _, name := range names {
		addr := tags[name]
		if prev, dup := r.byAddr[addr]; dup {
			return nil, fmt.Errorf("address %s configured for both %q and %q", addr, prev.name, name)
		}
		d := &Descriptor{name: name, address: addr, state: StateUnseen}
		r.devices.Set(name, d)
		r.byAddr[addr] = d
	}

	return r, nil
}

// Events returns the transition event stream.
func (r *Registry) Events() <-chan Transition {
	return r.events.C()
}

// Get returns the descriptor for a logical name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	return r.devices.Get(name)
}

// ByAddress returns the descriptor for a hardware address.
func (r *Registry) ByAddress(addr string) (*Descriptor, bool) {
	d, ok := r.byAddr[addr]
	return d, ok
}

// Snapshot returns all descriptors in iteration order.
func (r *Registry) Snapshot() []*Descriptor {
	out := make([]*Descriptor, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Subscribed returns the descriptors currently in StateSubscribed.
func (r *Registry) Subscribed() []*Descriptor {
	var out []*Descriptor
	for _, d := range r.Snapshot() {
		if d.State() == StateSubscribed {
			out = append(out, d)
		}
	}
	return out
}

// AllSubscribed reports whether every configured device is subscribed.
func (r *Registry) AllSubscribed() bool {
	for _, d := range r.Snapshot() {
		if d.State() != StateSubscribed {
			return false
		}
	}
	return r.devices.Len() > 0
}

// Len returns the number of configured devices.
func (r *Registry) Len() int {
	return r.devices.Len()
}

// transitionLocked advances the state machine; caller holds d.mu.
func (r *Registry) transitionLocked(d *Descriptor, to State) error {
	from := d.state
	if !edgeAllowed(from, to) {
		return fmt.Errorf("illegal transition %s → %s for %s", from, to, d.name)
	}
	d.state = to

	ev := Transition{Name: d.name, Address: d.address, From: from, To: to, At: time.Now()}
	r.events.Publish(ev)
	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(d.name, string(to)).Inc()
	}
	r.logger.WithFields(logrus.Fields{
		"device":  d.name,
		"address": d.address,
		"from":    from,
		"to":      to,
	}).Debug("Device state transition")
	return nil
}

// MarkDiscovered records that the device was seen on the air and moves it
// toward connection (Unseen/Failed → Discovered).
func (r *Registry) MarkDiscovered(d *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := r.transitionLocked(d, StateDiscovered); err != nil {
		return err
	}
	d.lastSeen = time.Now()
	return nil
}

// MarkConnecting moves the descriptor into the connect attempt.
func (r *Registry) MarkConnecting(d *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.transitionLocked(d, StateConnecting)
}

// MarkConnected stores the live connection on connect success.
func (r *Registry) MarkConnected(d *Descriptor, conn transport.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := r.transitionLocked(d, StateConnected); err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// MarkSubscribed completes the lifecycle; consecutive failures reset.
func (r *Registry) MarkSubscribed(d *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := r.transitionLocked(d, StateSubscribed); err != nil {
		return err
	}
	d.consecutiveFailures = 0
	d.lastSeen = time.Now()
	return nil
}

// MarkFailed moves the descriptor to StateFailed, bumps the failure count
// and drops the connection handle if one exists. A no-op when the
// descriptor already failed, so discovery and poll can both report the
// same loss without fighting over the edge.
func (r *Registry) MarkFailed(d *Descriptor, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.markFailedLocked(d, cause)
}

// FailIfCurrent is MarkFailed gated on conn still being the descriptor's
// live connection. A watcher or reader holding a superseded connection
// becomes a no-op instead of tearing down a healthy re-attach.
func (r *Registry) FailIfCurrent(d *Descriptor, conn transport.Conn, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != conn {
		return
	}
	r.markFailedLocked(d, cause)
}

func (r *Registry) markFailedLocked(d *Descriptor, cause error) {
	if d.state == StateFailed {
		return
	}
	if err := r.transitionLocked(d, StateFailed); err != nil {
		// Unseen/Discovered have no edge to Failed; nothing to record.
		return
	}
	d.consecutiveFailures++
	if d.conn != nil {
		_ = d.conn.Disconnect()
		d.conn = nil
	}
	r.logger.WithFields(logrus.Fields{
		"device":   d.name,
		"address":  d.address,
		"failures": d.consecutiveFailures,
	}).WithError(cause).Warn("Device failed")
}

// MarkSeen refreshes lastSeen after a successful read.
func (r *Registry) MarkSeen(d *Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = time.Now()
}

// DisconnectAll releases every live connection. Called on shutdown after
// the poll loop has exited, so the adapter is handed back cleanly.
func (r *Registry) DisconnectAll() {
	for _, d := range r.Snapshot() {
		d.mu.Lock()
		if d.conn != nil {
			_ = d.conn.Disconnect()
			d.conn = nil
		}
		d.mu.Unlock()
	}
}

// Close shuts the event stream down.
func (r *Registry) Close() {
	r.events.Close()
}
