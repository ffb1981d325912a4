package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
	"github.com/JakeFAU/research-status-relay/internal/pubsub/memory"
	"github.com/JakeFAU/research-status-relay/internal/stream"
)

const channel = "research_status_updates"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	payloads []string
	pings    int
	openErr  error
	failOn   int
	block    chan struct{}
	inFlight chan struct{}
	written  chan struct{}

	opens  atomic.Int32
	closes atomic.Int32
	// late counts Write and Ping calls made after Close.
	late   atomic.Int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{written: make(chan struct{}, 64)}
}

func (f *fakeSink) Open() error {
	f.opens.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSink) Write(msg pubsub.Message) error {
	f.mu.Lock()
	if f.closed {
		if f.closes.Load() > 0 {
			f.late.Add(1)
		}
		f.mu.Unlock()
		return stream.ErrSinkClosed
	}
	if f.failOn > 0 && len(f.payloads)+1 == f.failOn {
		f.closed = true
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		close(f.inFlight)
		<-block
		return stream.ErrSinkClosed
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return stream.ErrSinkClosed
	}
	f.payloads = append(f.payloads, string(msg.Payload))
	f.mu.Unlock()
	select {
	case f.written <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSink) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		if f.closes.Load() > 0 {
			f.late.Add(1)
		}
		return stream.ErrSinkClosed
	}
	f.pings++
	return nil
}

func (f *fakeSink) Close() error {
	f.closes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		if f.block != nil {
			close(f.block)
		}
	}
	return nil
}

func (f *fakeSink) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeSink) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func (f *fakeSink) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeSink) waitWrites(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.written:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d writes", i, n)
		}
	}
}

type result struct {
	out Outcome
	err error
}

func serve(r *Relay, sink Sink) (context.CancelFunc, <-chan result) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan result, 1)
	go func() {
		out, err := r.Serve(ctx, sink)
		ch <- result{out: out, err: err}
	}()
	return cancel, ch
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return result{}
	}
}

func newRelay(t *testing.T, sub pubsub.Subscriber, cfg Config, opts ...Option) *Relay {
	t.Helper()
	if cfg.Channel == "" {
		cfg.Channel = channel
	}
	r, err := New(sub, cfg, opts...)
	require.NoError(t, err)
	return r
}

func publish(t *testing.T, b *memory.Broker, payload string) int {
	t.Helper()
	n, err := b.Publish(context.Background(), channel, []byte(payload))
	require.NoError(t, err)
	return n
}

func TestServeDeliversVerbatimRecordsInOrder(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(16)
	r := newRelay(t, broker, Config{})

	rec := httptest.NewRecorder()
	sink := &notifyingSink{Session: stream.NewSession(rec, stream.Options{}), written: make(chan struct{}, 4)}
	cancel, done := serve(r, sink)

	require.Eventually(t, func() bool { return broker.Subscribers(channel) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, publish(t, broker, `{"status":"started"}`))
	require.Equal(t, 1, publish(t, broker, `{"status":"completed","details":{"symbol":"AAPL"}}`))
	for i := 0; i < 2; i++ {
		<-sink.written
	}

	cancel()
	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, ReasonClientGone, res.out.Reason)
	require.Equal(t, int64(2), res.out.Delivered)
	require.NotEmpty(t, res.out.SessionID)

	require.Equal(t,
		"data: {\"status\":\"started\"}\n\n"+
			"data: {\"status\":\"completed\",\"details\":{\"symbol\":\"AAPL\"}}\n\n",
		rec.Body.String())
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, int64(1), broker.Released())
	require.Zero(t, r.Active())
}

type notifyingSink struct {
	*stream.Session
	written chan struct{}
}

func (n *notifyingSink) Write(msg pubsub.Message) error {
	if err := n.Session.Write(msg); err != nil {
		return err
	}
	n.written <- struct{}{}
	return nil
}

func TestServeDeliversManyMessagesInPublishOrder(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	sink.written = make(chan struct{}, 200)
	cancel, done := serve(r, sink)

	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)
	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		p := fmt.Sprintf(`{"status":"running","step":%d}`, i)
		want = append(want, p)
		publish(t, broker, p)
	}
	sink.waitWrites(t, len(want))
	cancel()
	wait(t, done)

	require.Equal(t, want, sink.got())
}

func TestFailedSubscribeNeverTouchesSink(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(4)
	broker.SetOpenHook(func(context.Context, string) error { return errors.New("connection refused") })
	rec := &countingRecorder{}
	r := newRelay(t, broker, Config{}, WithRecorder(rec))
	sink := newFakeSink()

	out, err := r.Serve(context.Background(), sink)
	require.ErrorIs(t, err, pubsub.ErrConnection)
	require.Equal(t, ReasonSubscribeFailed, out.Reason)
	require.Zero(t, sink.opens.Load())
	require.Zero(t, sink.closes.Load())
	require.Empty(t, sink.got())
	require.Zero(t, broker.Subscribers(channel))
	require.Zero(t, broker.Opened())
	require.Equal(t, int64(1), rec.subscribeFailed.Load())
	require.Zero(t, r.Active())
}

func TestConcurrentDisconnectAndChannelErrorReleaseOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		broker := memory.NewBroker(4)
		r := newRelay(t, broker, Config{})
		sink := newFakeSink()
		cancel, done := serve(r, sink)
		require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			cancel()
		}()
		go func() {
			defer wg.Done()
			<-start
			broker.Drop(channel)
		}()
		close(start)
		wg.Wait()

		res := wait(t, done)
		require.NoError(t, res.err)
		require.Contains(t, []Reason{ReasonClientGone, ReasonDeliveryFailed}, res.out.Reason)
		require.Equal(t, int64(1), broker.Released())
		require.Equal(t, int32(1), sink.closes.Load())
	}
}

func TestNoDeliveryAfterTeardown(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(64)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	sink.written = make(chan struct{}, 1024)
	cancel, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	stop := make(chan struct{})
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = broker.Publish(context.Background(), channel, []byte("tick"))
			}
		}
	}()

	sink.waitWrites(t, 5)
	cancel()
	res := wait(t, done)
	close(stop)
	<-publisherDone

	delivered := len(sink.got())
	require.Equal(t, int64(delivered), res.out.Delivered)
	require.Zero(t, broker.Subscribers(channel))
	require.Zero(t, publish(t, broker, "late"))
	require.Len(t, sink.got(), delivered)
	require.Zero(t, sink.late.Load())
}

func TestNoWriteStartsAfterSinkClose(t *testing.T) {
	t.Parallel()

	const sessions = 50
	broker := memory.NewBroker(64)
	r := newRelay(t, broker, Config{KeepAlive: time.Millisecond})

	stop := make(chan struct{})
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = broker.Publish(context.Background(), channel, []byte("tick"))
			}
		}
	}()

	sinks := make([]*fakeSink, sessions)
	cancels := make([]context.CancelFunc, sessions)
	results := make([]<-chan result, sessions)
	for i := range sinks {
		sinks[i] = newFakeSink()
		cancels[i], results[i] = serve(r, sinks[i])
	}
	for _, sink := range sinks {
		require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)
	}

	var wg sync.WaitGroup
	for i, cancel := range cancels {
		wg.Add(1)
		go func(cancel context.CancelFunc, delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			cancel()
		}(cancel, time.Duration(i%5)*time.Millisecond)
	}
	for _, done := range results {
		wait(t, done)
	}
	wg.Wait()
	close(stop)
	<-publisherDone

	for i, sink := range sinks {
		require.Zero(t, sink.late.Load(), "session %d", i)
		require.Equal(t, int32(1), sink.closes.Load(), "session %d", i)
	}
	require.Zero(t, r.Active())
	require.Zero(t, broker.Subscribers(channel))
}

func TestTwoClientsAreIndependent(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	a, b := newFakeSink(), newFakeSink()
	cancelA, doneA := serve(r, a)
	cancelB, doneB := serve(r, b)
	require.Eventually(t, func() bool { return a.isOpen() && b.isOpen() }, time.Second, time.Millisecond)
	require.Equal(t, 2, r.Active())

	require.Equal(t, 2, publish(t, broker, `{"status":"running"}`))
	a.waitWrites(t, 1)
	b.waitWrites(t, 1)

	cancelA()
	resA := wait(t, doneA)
	require.Equal(t, ReasonClientGone, resA.out.Reason)

	require.Equal(t, 1, publish(t, broker, `{"status":"completed"}`))
	b.waitWrites(t, 1)
	require.Equal(t, []string{`{"status":"running"}`}, a.got())
	require.Equal(t, []string{`{"status":"running"}`, `{"status":"completed"}`}, b.got())

	cancelB()
	wait(t, doneB)
	require.Equal(t, int64(2), broker.Released())
}

func TestDisconnectDuringInFlightWrite(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	sink.block = make(chan struct{})
	sink.inFlight = make(chan struct{})
	cancel, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	publish(t, broker, "stuck")
	<-sink.inFlight
	cancel()

	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, ReasonClientGone, res.out.Reason)
	require.Zero(t, res.out.Delivered)
	require.Equal(t, int32(1), sink.closes.Load())
	require.Equal(t, int64(1), broker.Released())
	require.Zero(t, publish(t, broker, "after"))
}

func TestSinkFailureEndsSession(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	sink.failOn = 2
	_, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	publish(t, broker, "one")
	publish(t, broker, "two")
	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, ReasonSinkClosed, res.out.Reason)
	require.Error(t, res.out.Err)
	require.Equal(t, int64(1), res.out.Delivered)
	require.Equal(t, int64(1), broker.Released())
	require.Equal(t, int32(1), sink.closes.Load())
}

func TestDeliveryFailureEndsSession(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	_, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	broker.Drop(channel)
	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, ReasonDeliveryFailed, res.out.Reason)
	require.ErrorIs(t, res.out.Err, pubsub.ErrDelivery)
	require.Equal(t, int32(1), sink.closes.Load())
}

func TestSinkOpenFailureReleasesSubscription(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	sink.openErr = stream.ErrSinkClosed

	out, err := r.Serve(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, ReasonSinkClosed, out.Reason)
	require.Equal(t, int64(1), broker.Opened())
	require.Equal(t, int64(1), broker.Released())
	require.Zero(t, broker.Subscribers(channel))
}

type scriptedSubscriber struct {
	sub *scriptedSubscription
}

func (s scriptedSubscriber) Open(context.Context, string) (pubsub.Subscription, error) {
	return s.sub, nil
}

type scriptedSubscription struct {
	msgs   chan pubsub.Message
	closes atomic.Int32
	panics bool
}

func (s *scriptedSubscription) Messages() <-chan pubsub.Message { return s.msgs }
func (s *scriptedSubscription) Err() error { return nil }
func (s *scriptedSubscription) Close() error {
	s.closes.Add(1)
	if s.panics {
		panic("close exploded")
	}
	return nil
}

func TestChannelEndTearsDown(t *testing.T) {
	t.Parallel()

	sub := &scriptedSubscription{msgs: make(chan pubsub.Message, 1)}
	r := newRelay(t, scriptedSubscriber{sub: sub}, Config{})
	sink := newFakeSink()

	sub.msgs <- pubsub.Message{Channel: channel, Payload: []byte("last")}
	close(sub.msgs)

	out, err := r.Serve(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, ReasonChannelEnded, out.Reason)
	require.Equal(t, []string{"last"}, sink.got())
	require.Equal(t, int32(1), sub.closes.Load())
	require.Equal(t, int32(1), sink.closes.Load())
}

func TestReleasePanicIsContained(t *testing.T) {
	t.Parallel()

	sub := &scriptedSubscription{msgs: make(chan pubsub.Message), panics: true}
	rec := &countingRecorder{}
	r := newRelay(t, scriptedSubscriber{sub: sub}, Config{}, WithRecorder(rec))
	sink := newFakeSink()
	cancel, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	cancel()
	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, ReasonClientGone, res.out.Reason)
	require.Equal(t, int32(1), sub.closes.Load())
	require.Equal(t, int32(1), sink.closes.Load())
	require.Equal(t, int64(1), rec.releaseFailed.Load())
}

func TestMaxSessionsRejectsExcess(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	rec := &countingRecorder{}
	r := newRelay(t, broker, Config{MaxSessions: 1}, WithRecorder(rec))
	first := newFakeSink()
	cancel, done := serve(r, first)
	require.Eventually(t, first.isOpen, time.Second, time.Millisecond)

	second := newFakeSink()
	out, err := r.Serve(context.Background(), second)
	require.ErrorIs(t, err, ErrOverCapacity)
	require.Equal(t, ReasonRejected, out.Reason)
	require.Zero(t, second.opens.Load())
	require.Equal(t, int64(1), rec.rejected.Load())
	require.Equal(t, int64(1), broker.Opened())

	cancel()
	wait(t, done)
}

func TestRateLimitedOpenIsCancellable(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{SubscribeRate: 0.001, SubscribeBurst: 1})
	first := newFakeSink()
	cancelFirst, doneFirst := serve(r, first)
	require.Eventually(t, first.isOpen, time.Second, time.Millisecond)

	second := newFakeSink()
	cancelSecond, doneSecond := serve(r, second)
	require.Eventually(t, func() bool { return r.Active() == 2 }, time.Second, time.Millisecond)
	cancelSecond()

	res := wait(t, doneSecond)
	require.NoError(t, res.err)
	require.Equal(t, ReasonClientGone, res.out.Reason)
	require.Zero(t, second.opens.Load())
	require.Equal(t, int64(1), broker.Opened())

	cancelFirst()
	wait(t, doneFirst)
}

func TestKeepAlivePings(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{KeepAlive: 5 * time.Millisecond})
	sink := newFakeSink()
	cancel, done := serve(r, sink)

	require.Eventually(t, func() bool { return sink.pingCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	wait(t, done)
	require.Empty(t, sink.got())
}

func TestShutdownDrainsSessions(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	r := newRelay(t, broker, Config{})
	a, b := newFakeSink(), newFakeSink()
	cancelA, doneA := serve(r, a)
	defer cancelA()
	cancelB, doneB := serve(r, b)
	defer cancelB()
	require.Eventually(t, func() bool { return a.isOpen() && b.isOpen() }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	require.Zero(t, r.Active())

	for _, done := range []<-chan result{doneA, doneB} {
		res := wait(t, done)
		require.Equal(t, ReasonShutdown, res.out.Reason)
	}
	require.Equal(t, int64(2), broker.Released())

	_, err := r.Serve(context.Background(), newFakeSink())
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownInterruptsConnecting(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	broker.SetOpenHook(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := newRelay(t, broker, Config{})
	sink := newFakeSink()
	cancel, done := serve(r, sink)
	defer cancel()
	require.Eventually(t, func() bool { return r.Active() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
	res := wait(t, done)
	require.ErrorIs(t, res.err, ErrShuttingDown)
	require.Equal(t, ReasonShutdown, res.out.Reason)
	require.Zero(t, sink.opens.Load())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Channel: channel})
	require.Error(t, err)
	_, err = New(memory.NewBroker(1), Config{})
	require.Error(t, err)
	_, err = New(memory.NewBroker(1), Config{Channel: channel, MaxSessions: -1})
	require.Error(t, err)
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestSessionIDs(t *testing.T) {
	t.Parallel()

	sub := &scriptedSubscription{msgs: make(chan pubsub.Message)}
	close(sub.msgs)

	r := newRelay(t, scriptedSubscriber{sub: sub}, Config{}, WithIDGenerator(fixedIDs{id: "018f-session"}))
	out, err := r.Serve(context.Background(), newFakeSink())
	require.NoError(t, err)
	require.Equal(t, "018f-session", out.SessionID)

	r = newRelay(t, scriptedSubscriber{sub: sub}, Config{}, WithIDGenerator(failingIDs{}))
	out, err = r.Serve(context.Background(), newFakeSink())
	require.NoError(t, err)
	require.Equal(t, "session-1", out.SessionID)
}

type countingRecorder struct {
	started         atomic.Int64
	ended           atomic.Int64
	rejected        atomic.Int64
	subscribeFailed atomic.Int64
	delivered       atomic.Int64
	releaseFailed   atomic.Int64
}

func (c *countingRecorder) SessionStarted() { c.started.Add(1) }
func (c *countingRecorder) SessionEnded(Reason, time.Duration) { c.ended.Add(1) }
func (c *countingRecorder) SessionRejected() { c.rejected.Add(1) }
func (c *countingRecorder) SubscribeFailed() { c.subscribeFailed.Add(1) }
func (c *countingRecorder) MessageDelivered() { c.delivered.Add(1) }
func (c *countingRecorder) ReleaseFailed(string) { c.releaseFailed.Add(1) }

func TestRecorderSeesLifecycle(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	rec := &countingRecorder{}
	r := newRelay(t, broker, Config{}, WithRecorder(rec))
	sink := newFakeSink()
	cancel, done := serve(r, sink)
	require.Eventually(t, sink.isOpen, time.Second, time.Millisecond)

	publish(t, broker, "x")
	sink.waitWrites(t, 1)
	cancel()
	wait(t, done)

	require.Equal(t, int64(1), rec.started.Load())
	require.Equal(t, int64(1), rec.ended.Load())
	require.Equal(t, int64(1), rec.delivered.Load())
	require.Zero(t, rec.releaseFailed.Load())
}
