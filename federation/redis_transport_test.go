package federation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	_, client := newRedisClient(t)
	tr := NewRedisTransport(client, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })

	got := make(chan string, 4)
	sub, err := tr.Subscribe(context.Background(), "hivemind.test", func(_ context.Context, data []byte) {
		got <- string(data)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), "hivemind.test", []byte("one")))
	require.NoError(t, tr.Publish(context.Background(), "hivemind.other", []byte("elsewhere")))
	require.NoError(t, tr.Publish(context.Background(), "hivemind.test", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, tr.Publish(context.Background(), "hivemind.test", []byte("three")))
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisTransport_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	_, client := newRedisClient(t)
	tr := NewRedisTransport(client, nil)
	t.Cleanup(func() { _ = tr.Close() })

	got := make(chan string, 2)
	_, err := tr.Subscribe(context.Background(), "t", func(_ context.Context, data []byte) {
		if string(data) == "boom" {
			panic("handler failure")
		}
		got <- string(data)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), "t", []byte("boom")))
	require.NoError(t, tr.Publish(context.Background(), "t", []byte("ok")))
	select {
	case msg := <-got:
		assert.Equal(t, "ok", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after panic")
	}
}

func TestRedisTransport_Closed(t *testing.T) {
	_, client := newRedisClient(t)
	tr := NewRedisTransport(client, nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish(context.Background(), "t", []byte("x")), ErrTransportClosed)
	_, err := tr.Subscribe(context.Background(), "t", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrTransportClosed)

	// the client is still usable
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisTransport_SubscribeFailsWhenServerGone(t *testing.T) {
	mr, client := newRedisClient(t)
	tr := NewRedisTransport(client, nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Subscribe(ctx, "t", func(context.Context, []byte) {})
	assert.Error(t, err)
}

func TestGateway_OverRedis(t *testing.T) {
	_, client := newRedisClient(t)
	trA := NewRedisTransport(client, nil)
	trB := NewRedisTransport(client, nil)
	t.Cleanup(func() {
		_ = trA.Close()
		_ = trB.Close()
	})

	a := newHive(t, trA, testConfig("hive-a"))
	b := newHive(t, trB, testConfig("hive-b"))
	_, err := b.d.RegisterWorker("tl-bee", []dispatcher.Capability{dispatcher.CapabilityTranslation},
		dispatcher.WithExecutor(dispatcher.ExecutorFunc(func(_ context.Context, task dispatcher.Task) (any, error) {
			p, err := dispatcher.DecodePayload[dispatcher.TranslationPayload](task)
			if err != nil {
				return nil, err
			}
			return "[" + p.TargetLanguage + "] " + p.Text, nil
		})))
	require.NoError(t, err)
	startAll(t, a, b)

	hive, ok := a.gw.FindHive(dispatcher.CapabilityTranslation)
	require.True(t, ok)
	require.Equal(t, "hive-b", hive.ID)

	h, err := a.gw.SendTaskToHive(context.Background(), hive.ID, dispatcher.CapabilityTranslation,
		dispatcher.TranslationPayload{Text: "hello", TargetLanguage: "fr"}, dispatcher.AssignOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.TaskCompleted, task.Status)
	assert.Equal(t, "[fr] hello", task.Result)
}
