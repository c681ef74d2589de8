// Package transporttest provides an in-memory transport implementation for
// package tests: scripted visibility, failure injection per address, and
// hand-fed notifications.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/eltsu7/ruusti-tag/internal/transport"
)

// DataCharacteristic is the notification channel the fake exposes by
// default; the same UUID the RuuviTag firmware uses.
const DataCharacteristic = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

// Transport is a scriptable in-memory transport.Transport.
type Transport struct {
	mu sync.Mutex

	visible       map[string]transport.Visible
	scanErr       error
	connectErr    map[string]error
	subscribeErr  map[string]error
	chars         map[string][]string
	conns         map[string]*Conn
	scanCount     int
	connectCalled map[string]int
}

// New creates an empty fake transport; nothing is visible until SetVisible.
func New() *Transport {
	return &Transport{
		visible:       make(map[string]transport.Visible),
		connectErr:    make(map[string]error),
		subscribeErr:  make(map[string]error),
		chars:         make(map[string][]string),
		conns:         make(map[string]*Conn),
		connectCalled: make(map[string]int),
	}
}

// SetVisible makes a device appear in scan results.
func (t *Transport) SetVisible(addr, name string, rssi int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible[addr] = transport.Visible{Address: addr, Name: name, RSSI: rssi}
}

// SetInvisible removes a device from scan results.
func (t *Transport) SetInvisible(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.visible, addr)
}

// FailScan makes the next scans return err (nil to clear).
func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// FailConnect makes Connect to addr return err (nil to clear).
func (t *Transport) FailConnect(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr[addr] = err
}

// FailSubscribe makes Subscribe on addr's connection return err.
func (t *Transport) FailSubscribe(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr[addr] = err
}

// SetCharacteristics overrides the characteristics addr exposes.
func (t *Transport) SetCharacteristics(addr string, uuids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chars[addr] = uuids
}

// ScanCount reports how many scans ran.
func (t *Transport) ScanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanCount
}

// ConnectCount reports how many connect attempts addr received.
func (t *Transport) ConnectCount(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalled[addr]
}

// ConnTo returns the live fake connection for addr, if any.
func (t *Transport) ConnTo(addr string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[addr]
}

// Scan implements transport.Transport.
func (t *Transport) Scan(ctx context.Context, _ time.Duration) (map[string]transport.Visible, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanCount++
	if t.scanErr != nil {
		return nil, t.scanErr
	}
	out := make(map[string]transport.Visible, len(t.visible))
	for k, v := range t.visible {
		out[k] = v
	}
	return out, nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, addr string, _ time.Duration) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalled[addr]++
	if err := t.connectErr[addr]; err != nil {
		return nil, err
	}
	chars, ok := t.chars[addr]
	if !ok {
		chars = []string{DataCharacteristic}
	}
	c := &Conn{
		addr:          addr,
		chars:         chars,
		subscribeErr:  t.subscribeErr[addr],
		notifications: make(chan []byte, 16),
		done:          make(chan struct{}),
	}
	t.conns[addr] = c
	return c, nil
}

// Conn is the fake connection handed out by Transport.Connect.
type Conn struct {
	addr          string
	chars         []string
	subscribeErr  error
	notifications chan []byte

	mu           sync.Mutex
	subscribed   bool
	disconnected bool
	done         chan struct{}
}

// Push feeds a notification payload to the next AwaitNotification call.
func (c *Conn) Push(data []byte) {
	c.notifications <- data
}

// DropLink simulates a transport-level connection loss.
func (c *Conn) DropLink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.disconnected = true
		close(c.done)
	}
}

// Subscribed reports whether Subscribe succeeded.
func (c *Conn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Disconnected reports whether the connection was torn down.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Conn) DiscoverCharacteristics(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.chars, nil
}

func (c *Conn) Subscribe(string) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	return nil
}

func (c *Conn) AwaitNotification(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-c.notifications:
		return data, nil
	case <-c.done:
		return nil, &transport.Error{Kind: transport.Disconnected, Addr: c.addr}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &transport.Error{Kind: transport.Timeout, Addr: c.addr}
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Disconnect() error {
	c.DropLink()
	return nil
}
