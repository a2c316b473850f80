package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/mdagent/internal/config"
)

type recorded struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (r *recorded) handle(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	return nil
}

func (r *recorded) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func TestProcess(t *testing.T) {
	t.Parallel()

	rec := &recorded{}
	b := &Bus{origin: "self", handle: rec.handle, logger: zap.NewNop()}
	ctx := context.Background()

	require.True(t, b.process(ctx, []byte(`not json`), nil), "malformed payloads are dropped")
	require.True(t, b.process(ctx, []byte(`{"entity_id":0,"origin":"other"}`), nil))
	require.True(t, b.process(ctx, []byte(`{"entity_id":7,"origin":"self"}`), nil), "own changes are skipped")
	require.Empty(t, rec.seen())

	require.True(t, b.process(ctx, []byte(`{"entity_id":7,"origin":"other"}`), map[string]string{}))
	require.Equal(t, []int64{7}, rec.seen())

	rec.err = errors.New("cache down")
	require.False(t, b.process(ctx, []byte(`{"entity_id":8,"origin":"other"}`), nil), "failures are redelivered")
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.EventsConfig{}, func(context.Context, int64) error { return nil }, nil)
	require.Error(t, err)

	_, err = Open(context.Background(), config.EventsConfig{ProjectID: "p", Topic: "t", Subscription: "s"}, nil, nil)
	require.Error(t, err)
}

func TestBusBroadcastsToOtherReplicas(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	const project = "demo"
	topic := "projects/" + project + "/topics/content-changes"

	open := func(sub string, h Handler) *Bus {
		conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		b, err := Open(ctx, config.EventsConfig{ProjectID: project, Topic: topic, Subscription: sub}, h, zap.NewNop(),
			option.WithGRPCConn(conn))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	sender := &recorded{}
	receiver := &recorded{}
	a := open("replica-a", sender.handle)
	b := open("replica-b", receiver.handle)
	require.NotEqual(t, a.Origin(), b.Origin())

	_, err := a.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)
	for _, sub := range []string{"replica-a", "replica-b"} {
		_, err := a.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
			Name:  "projects/" + project + "/subscriptions/" + sub,
			Topic: topic,
		})
		require.NoError(t, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.Run(runCtx) }()

	require.NoError(t, a.NotifyChanged(ctx, 42))
	require.Eventually(t, func() bool {
		ids := receiver.seen()
		return len(ids) == 1 && ids[0] == 42
	}, 5*time.Second, 20*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	require.Empty(t, sender.seen())
}
