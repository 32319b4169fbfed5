package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func TestPublish_AppendsReplayFile(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, RedisConfig{}, testLogger())
	require.NoError(t, err)
	defer b.Close()

	b.Publish(context.Background(), Event{Kind: KindIterationStarted, RunID: "abc-ralph-x", Iteration: 1})
	b.Publish(context.Background(), Event{Kind: KindIterationCompleted, RunID: "abc-ralph-x", Iteration: 1})

	events, err := Replay(dir, "abc-ralph-x")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, KindIterationStarted, events[0].Kind)
}

func TestReplay_UnknownRunReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	events, err := Replay(dir, "missing-run")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, RedisConfig{}, testLogger())
	require.NoError(t, err)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(context.Background(), Event{Kind: KindLoopStarted, RunID: "r1"})

	select {
	case e := <-ch:
		assert.Equal(t, KindLoopStarted, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_MirrorsToRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	b, err := New(dir, RedisConfig{URL: "redis://" + mr.Addr()}, testLogger())
	require.NoError(t, err)
	defer b.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	pubsub := rdb.Subscribe(ctx, "taskdaemon:events")
	defer pubsub.Close()
	require.NoError(t, pubsub.Receive(ctx)) // wait for subscribe confirmation

	b.Publish(ctx, Event{Kind: KindError, RunID: "r2"})

	select {
	case msg := <-pubsub.Channel():
		assert.Contains(t, msg.Payload, "r2")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redis message")
	}
}
