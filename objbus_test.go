// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/objbus/meta"
	"github.com/luxfi/objbus/value"
)

// counter is the test service: a stateful accumulator with an echo
// method, a failing method and a change signal.
type counter struct {
	mu    sync.Mutex
	total int64
	obj   *meta.BoundObject
	sigID uint32
}

func newCounter(t *testing.T) *counter {
	t.Helper()
	c := &counter{}
	b := meta.NewBuilder()
	b.Method("add", "(l)", "l", func(args []value.Value) (value.Value, error) {
		n, err := value.As[int64](args[0])
		if err != nil {
			return value.Value{}, err
		}
		c.mu.Lock()
		c.total += n
		total := c.total
		c.mu.Unlock()
		return value.IntValue(total), nil
	})
	b.Method("echo", "(s)", "s", func(args []value.Value) (value.Value, error) {
		return args[0], nil
	})
	b.Method("fail", "()", "v", func([]value.Value) (value.Value, error) {
		return value.Value{}, fmt.Errorf("deliberate failure")
	})
	c.sigID = b.Signal("changed", "(l)")
	b.Property("step", "l")
	obj, err := b.Build()
	require.NoError(t, err)
	c.obj = obj
	return c
}

// startBus brings up a loopback server exposing a counter and returns a
// connected client session with its proxy.
func startBus(t *testing.T) (*counter, *Session, *Proxy) {
	t.Helper()
	c := newCounter(t)

	srv, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	_, err = srv.Directory().Register("Counter", c.obj)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	sess, err := Connect(context.Background(), srv.Endpoint())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	proxy, err := sess.Service(context.Background(), "Counter")
	require.NoError(t, err)
	return c, sess, proxy
}

func TestEndToEndCall(t *testing.T) {
	_, sess, proxy := startBus(t)

	assert.Equal(t, StateConnected, sess.State())
	assert.NotEqual(t, uuid.Nil, sess.PeerID())

	got, err := proxy.Call("add", value.IntValue(5)).Value()
	require.NoError(t, err)
	n, err := value.As[int64](got)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err = proxy.Call("add", value.IntValue(3)).Value()
	require.NoError(t, err)
	n, err = value.As[int64](got)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestConcurrentCallsMatchByID(t *testing.T) {
	_, _, proxy := startBus(t)

	// Warm the metadata cache so every goroutine takes the direct path.
	_, err := proxy.Metadata(context.Background())
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("payload-%d", i)
			got, err := proxy.Call("echo", value.StringValue(want)).Value()
			if err != nil {
				errs[i] = err
				return
			}
			s, err := value.As[string](got)
			if err != nil {
				errs[i] = err
				return
			}
			if s != want {
				errs[i] = fmt.Errorf("got %q, want %q", s, want)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
}

func TestRemoteErrorResolvesFuture(t *testing.T) {
	_, _, proxy := startBus(t)

	_, err := proxy.Call("fail").Value()
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Text, "deliberate failure")
}

func TestCallUnknownOperation(t *testing.T) {
	_, _, proxy := startBus(t)

	_, err := proxy.Call("noSuchMethod").Value()
	assert.ErrorIs(t, err, meta.ErrOperationNotFound)
}

func TestCallArgumentMismatchFailsFast(t *testing.T) {
	_, _, proxy := startBus(t)
	_, err := proxy.Metadata(context.Background())
	require.NoError(t, err)

	// Wrong arity and wrong shape fail locally, before any frame.
	_, err = proxy.Call("add").Value()
	assert.ErrorIs(t, err, meta.ErrSignatureMismatch)
	_, err = proxy.Call("add", value.StringValue("five")).Value()
	assert.ErrorIs(t, err, meta.ErrSignatureMismatch)
}

func TestMetadataFetch(t *testing.T) {
	_, _, proxy := startBus(t)

	m, err := proxy.Metadata(context.Background())
	require.NoError(t, err)

	op, err := m.Operation(meta.MethodIDBase)
	require.NoError(t, err)
	assert.Equal(t, "add", op.Name)
	assert.Equal(t, meta.Method, op.Kind)
	assert.Equal(t, "(l)", op.ParamSignature)

	sig, err := m.OperationID("changed")
	require.NoError(t, err)
	assert.Equal(t, uint32(meta.SignalIDBase), sig)
}

func TestRemotePropertyGetSet(t *testing.T) {
	_, _, proxy := startBus(t)

	// An unset slot reads as void.
	got, err := proxy.Property("step").Value()
	require.NoError(t, err)
	assert.Equal(t, value.VoidValue(), got)

	_, err = proxy.SetProperty("step", value.IntValue(7)).Value()
	require.NoError(t, err)

	got, err = proxy.Property("step").Value()
	require.NoError(t, err)
	n, err := value.As[int64](got)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	// A shape mismatch fails locally, before any frame.
	_, err = proxy.SetProperty("step", value.StringValue("seven")).Value()
	assert.ErrorIs(t, err, meta.ErrSignatureMismatch)

	// Methods are not reachable as properties.
	_, err = proxy.Property("echo").Value()
	assert.ErrorIs(t, err, meta.ErrOperationNotFound)
}

func TestSignalDeliveryInOrder(t *testing.T) {
	c, _, proxy := startBus(t)

	events := make(chan int64, 64)
	sub, err := proxy.Subscribe(context.Background(), "changed", func(args []value.Value) {
		n, _ := value.As[int64](args[0])
		events <- n
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// A round trip guarantees the register reached the peer before the
	// emissions below.
	_, err = proxy.Call("echo", value.StringValue("sync")).Value()
	require.NoError(t, err)

	// Keep unrelated call traffic in flight for the whole emission
	// window: reply frames interleave with the events on the wire, but
	// per-connection event order must survive.
	stop := make(chan struct{})
	var traffic sync.WaitGroup
	for g := 0; g < 4; g++ {
		traffic.Add(1)
		go func() {
			defer traffic.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := proxy.Call("echo", value.StringValue("noise")).Value()
				if err != nil {
					return
				}
			}
		}()
	}

	var want []int64
	for n := int64(1); n <= 20; n++ {
		want = append(want, n)
		require.NoError(t, c.obj.EmitSignal(c.sigID, value.IntValue(n)))
	}

	for _, w := range want {
		select {
		case got := <-events:
			assert.Equal(t, w, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", w)
		}
	}

	close(stop)
	traffic.Wait()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c, _, proxy := startBus(t)

	events := make(chan int64, 8)
	sub, err := proxy.Subscribe(context.Background(), "changed", func(args []value.Value) {
		n, _ := value.As[int64](args[0])
		events <- n
	})
	require.NoError(t, err)

	_, err = proxy.Call("echo", value.StringValue("sync")).Value()
	require.NoError(t, err)

	require.NoError(t, c.obj.EmitSignal(c.sigID, value.IntValue(1)))
	select {
	case got := <-events:
		assert.Equal(t, int64(1), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // second release is a no-op

	_, err = proxy.Call("echo", value.StringValue("sync")).Value()
	require.NoError(t, err)

	require.NoError(t, c.obj.EmitSignal(c.sigID, value.IntValue(2)))
	select {
	case got := <-events:
		t.Fatalf("event %d delivered after unsubscribe", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCallOnClosedSession(t *testing.T) {
	_, sess, proxy := startBus(t)
	_, err := proxy.Metadata(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())

	_, err = proxy.Call("echo", value.StringValue("late")).Value()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestServiceNotFound(t *testing.T) {
	_, sess, _ := startBus(t)

	_, err := sess.Service(context.Background(), "NoSuchService")
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Text, "not found")
}

func TestServiceDirectoryLookup(t *testing.T) {
	_, sess, _ := startBus(t)

	dir, err := sess.Service(context.Background(), DirectoryServiceName)
	require.NoError(t, err)
	assert.Equal(t, uint32(directoryService), dir.ServiceID())

	got, err := dir.Call("services").Value()
	require.NoError(t, err)
	rows, err := got.AsList()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestConnectErrors(t *testing.T) {
	_, err := Connect(context.Background(), "bogus://localhost:1")
	require.Error(t, err)

	_, err = Connect(context.Background(), "tcp://127.0.0.1:1",
		WithDialTimeout(200*time.Millisecond))
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Phase)
}

func TestServerCloseFailsClientCalls(t *testing.T) {
	c := newCounter(t)
	srv, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	_, err = srv.Directory().Register("Counter", c.obj)
	require.NoError(t, err)
	go srv.Serve(context.Background())

	sess, err := Connect(context.Background(), srv.Endpoint())
	require.NoError(t, err)
	defer sess.Close()

	proxy, err := sess.Service(context.Background(), "Counter")
	require.NoError(t, err)
	_, err = proxy.Metadata(context.Background())
	require.NoError(t, err)

	// Close the server out from under the client; the session observes
	// the loss and later calls fail without a write.
	require.NoError(t, srv.Close())

	deadline := time.Now().Add(5 * time.Second)
	for sess.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("session never observed the server close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = proxy.Call("echo", value.StringValue("late")).Value()
	assert.ErrorIs(t, err, ErrConnectionLost)
}
