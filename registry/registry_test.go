package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eltsu7/ruusti-tag/internal/metrics"
	"github.com/eltsu7/ruusti-tag/internal/transport/transporttest"
	"github.com/eltsu7/ruusti-tag/registry"
)

func newTestRegistry(t *testing.T, tags map[string]string) *registry.Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r, err := registry.New(tags, metrics.New(), logger)
	require.NoError(t, err)
	return r
}

func TestNewRejectsDuplicateAddresses(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	_, err := registry.New(map[string]string{
		"kitchen": "F2:2D:EB:37:8A:D4",
		"sauna":   "F2:2D:EB:37:8A:D4",
	}, nil, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "F2:2D:EB:37:8A:D4")
}

func TestSnapshotOrderIsStable(t *testing.T) {
	r := newTestRegistry(t, map[string]string{
		"sauna":   "D3:1A:DA:17:E5:C6",
		"kitchen": "F2:2D:EB:37:8A:D4",
		"balcony": "C1:00:00:00:00:01",
	})

	var names []string
	for _, d := range r.Snapshot() {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"balcony", "kitchen", "sauna"}, names)
}

func TestLifecycleHappyPath(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
	d, ok := r.Get("kitchen")
	require.True(t, ok)
	assert.Equal(t, registry.StateUnseen, d.State())

	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	require.NoError(t, r.MarkConnected(d, nil))
	require.NoError(t, r.MarkSubscribed(d))

	assert.Equal(t, registry.StateSubscribed, d.State())
	assert.True(t, r.AllSubscribed())
	assert.Zero(t, d.ConsecutiveFailures())
	assert.False(t, d.LastSeen().IsZero())
}

func TestIllegalEdgesRejected(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *registry.Registry, d *registry.Descriptor)
		attempt func(r *registry.Registry, d *registry.Descriptor) error
	}{
		{
			name:    "unseen cannot subscribe",
			prepare: func(*registry.Registry, *registry.Descriptor) {},
			attempt: func(r *registry.Registry, d *registry.Descriptor) error {
				return r.MarkSubscribed(d)
			},
		},
		{
			name:    "unseen cannot connect",
			prepare: func(*registry.Registry, *registry.Descriptor) {},
			attempt: func(r *registry.Registry, d *registry.Descriptor) error {
				return r.MarkConnecting(d)
			},
		},
		{
			name: "discovered cannot skip to subscribed",
			prepare: func(r *registry.Registry, d *registry.Descriptor) {
				require.NoError(t, r.MarkDiscovered(d))
			},
			attempt: func(r *registry.Registry, d *registry.Descriptor) error {
				return r.MarkSubscribed(d)
			},
		},
		{
			name: "connected cannot re-discover",
			prepare: func(r *registry.Registry, d *registry.Descriptor) {
				require.NoError(t, r.MarkDiscovered(d))
				require.NoError(t, r.MarkConnecting(d))
				require.NoError(t, r.MarkConnected(d, nil))
			},
			attempt: func(r *registry.Registry, d *registry.Descriptor) error {
				return r.MarkDiscovered(d)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
			d, _ := r.Get("kitchen")
			tt.prepare(r, d)
			assert.Error(t, tt.attempt(r, d))
		})
	}
}

func TestFailureAndRetryEdge(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
	d, _ := r.Get("kitchen")

	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	r.MarkFailed(d, errors.New("connect refused"))

	assert.Equal(t, registry.StateFailed, d.State())
	assert.Equal(t, 1, d.ConsecutiveFailures())

	// Repeated failure reports while already failed do not double-count.
	r.MarkFailed(d, errors.New("still gone"))
	assert.Equal(t, 1, d.ConsecutiveFailures())

	// Retry: the reconciler sees the device again and runs the full path.
	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	require.NoError(t, r.MarkConnected(d, nil))
	require.NoError(t, r.MarkSubscribed(d))
	assert.Zero(t, d.ConsecutiveFailures(), "subscribe resets the failure count")
}

func TestFailureIsolation(t *testing.T) {
	r := newTestRegistry(t, map[string]string{
		"kitchen": "F2:2D:EB:37:8A:D4",
		"sauna":   "D3:1A:DA:17:E5:C6",
	})
	kitchen, _ := r.Get("kitchen")
	sauna, _ := r.Get("sauna")

	for _, d := range []*registry.Descriptor{kitchen, sauna} {
		require.NoError(t, r.MarkDiscovered(d))
		require.NoError(t, r.MarkConnecting(d))
		require.NoError(t, r.MarkConnected(d, nil))
		require.NoError(t, r.MarkSubscribed(d))
	}

	r.MarkFailed(kitchen, errors.New("disconnected"))

	assert.Equal(t, registry.StateFailed, kitchen.State())
	assert.Equal(t, registry.StateSubscribed, sauna.State(),
		"one device's failure never touches another descriptor")
	assert.Len(t, r.Subscribed(), 1)
	assert.False(t, r.AllSubscribed())
}

func TestFailIfCurrentIgnoresSupersededConnection(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
	d, _ := r.Get("kitchen")
	tr := transporttest.New()

	old, err := tr.Connect(context.Background(), d.Address(), time.Second)
	require.NoError(t, err)
	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	require.NoError(t, r.MarkConnected(d, old))
	require.NoError(t, r.MarkSubscribed(d))

	// Link loss, then a successful re-attach with a fresh connection.
	r.MarkFailed(d, errors.New("connection lost"))
	fresh, err := tr.Connect(context.Background(), d.Address(), time.Second)
	require.NoError(t, err)
	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	require.NoError(t, r.MarkConnected(d, fresh))
	require.NoError(t, r.MarkSubscribed(d))

	// A watcher for the old connection reporting late must be a no-op.
	r.FailIfCurrent(d, old, errors.New("connection lost"))
	assert.Equal(t, registry.StateSubscribed, d.State())
	assert.False(t, tr.ConnTo(d.Address()).Disconnected(), "fresh connection stays up")

	// The current connection's report still fails the device.
	r.FailIfCurrent(d, fresh, errors.New("connection lost"))
	assert.Equal(t, registry.StateFailed, d.State())
	assert.True(t, tr.ConnTo(d.Address()).Disconnected())
}

func TestDisconnectAllReleasesLiveConnections(t *testing.T) {
	r := newTestRegistry(t, map[string]string{
		"kitchen": "F2:2D:EB:37:8A:D4",
		"sauna":   "D3:1A:DA:17:E5:C6",
	})
	tr := transporttest.New()

	for _, name := range []string{"kitchen", "sauna"} {
		d, _ := r.Get(name)
		conn, err := tr.Connect(context.Background(), d.Address(), time.Second)
		require.NoError(t, err)
		require.NoError(t, r.MarkDiscovered(d))
		require.NoError(t, r.MarkConnecting(d))
		require.NoError(t, r.MarkConnected(d, conn))
		require.NoError(t, r.MarkSubscribed(d))
	}

	r.DisconnectAll()

	for _, name := range []string{"kitchen", "sauna"} {
		d, _ := r.Get(name)
		assert.True(t, tr.ConnTo(d.Address()).Disconnected())
		assert.Nil(t, d.Conn())
	}
}

func TestTransitionsAfterCloseDoNotPanic(t *testing.T) {
	// Shutdown closes the event stream while reconcile passes may still be
	// mid-flight; their transitions must not bring the process down.
	r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
	d, _ := r.Get("kitchen")
	r.Close()

	require.NotPanics(t, func() {
		require.NoError(t, r.MarkDiscovered(d))
		require.NoError(t, r.MarkConnecting(d))
		r.MarkFailed(d, errors.New("late failure"))
	})
	assert.Equal(t, registry.StateFailed, d.State())
}

func TestTransitionEventsEmitted(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"kitchen": "F2:2D:EB:37:8A:D4"})
	d, _ := r.Get("kitchen")

	require.NoError(t, r.MarkDiscovered(d))
	require.NoError(t, r.MarkConnecting(d))
	r.Close()

	var got []registry.State
	for ev := range r.Events() {
		assert.Equal(t, "kitchen", ev.Name)
		got = append(got, ev.To)
	}
	assert.Equal(t, []registry.State{registry.StateDiscovered, registry.StateConnecting}, got)
}
