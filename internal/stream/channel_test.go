package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/xapi-client/internal/model"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/queue"
	"github.com/rickgao/xapi-client/internal/session"
	"github.com/rickgao/xapi-client/internal/transport/transporttest"
)

const testURL = "wss://ws.test/demoStream"

func newTestChannel(t *testing.T) (*Channel, *transporttest.Network, *session.Token) {
	t.Helper()
	net := transporttest.NewNetwork()
	token := &session.Token{}
	ch := New(Config{URL: testURL, ReconnectDelay: 20 * time.Millisecond}, token, nil,
		WithTransportFactory(net.Factory()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ch.Close(ctx)
	})
	return ch, net, token
}

func waitTx(t *testing.T, tx *queue.Transaction) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tx.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestChannel_SubscribeEnvelope(t *testing.T) {
	ch, net, token := newTestChannel(t)
	token.Set("session-abc")
	require.NoError(t, ch.Connect(context.Background()))
	conn := net.Last(testURL)

	// A session already exists, so the channel pings on open.
	env, ok := conn.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok)
	assert.Equal(t, "session-abc", env["streamSessionId"])

	tx := ch.SubscribeTickPrices("EURUSD", 500, 0)
	env, ok = conn.WaitCommand(protocol.TopicTickPrices, time.Second)
	require.True(t, ok)

	assert.Equal(t, "session-abc", env["streamSessionId"])
	assert.Equal(t, "EURUSD", env["symbol"])
	assert.Equal(t, float64(500), env["minArrivalTime"])
	assert.NotContains(t, env, "maxLevel")
	assert.Equal(t, protocol.FormatTag(protocol.TopicTickPrices, tx.ID), env["customTag"])

	// Stream requests get no reply; they complete once written.
	require.NoError(t, waitTx(t, tx))
	info, _ := ch.Queue().Get(tx.ID)
	assert.Equal(t, queue.StatusResolved, info.Status)
}

func TestChannel_Unsubscribe(t *testing.T) {
	ch, net, token := newTestChannel(t)
	token.Set("session-abc")
	require.NoError(t, ch.Connect(context.Background()))
	conn := net.Last(testURL)

	ch.Unsubscribe(protocol.TopicCandles, map[string]any{"symbol": "US500"})
	env, ok := conn.WaitCommand("stopCandles", time.Second)
	require.True(t, ok)
	assert.Equal(t, "US500", env["symbol"])
}

func TestChannel_RequiresSession(t *testing.T) {
	ch, net, _ := newTestChannel(t)
	require.NoError(t, ch.Connect(context.Background()))
	conn := net.Last(testURL)

	err := waitTx(t, ch.SubscribeTrades())
	assert.ErrorIs(t, err, protocol.ErrNotLoggedIn)

	err = waitTx(t, ch.Ping())
	assert.ErrorIs(t, err, protocol.ErrNotLoggedIn)
	assert.Empty(t, conn.Sent())
}

func TestChannel_RequiresConnection(t *testing.T) {
	ch, _, token := newTestChannel(t)
	token.Set("session-abc")

	err := waitTx(t, ch.SubscribeBalance())
	assert.ErrorIs(t, err, protocol.ErrStreamClosed)
}

func TestChannel_DeliversPushes(t *testing.T) {
	ch, net, _ := newTestChannel(t)

	var (
		mu     sync.Mutex
		trades []model.Trade
		other  int
	)
	ch.Listen(protocol.EventTrade, func(e Event) {
		var tr model.Trade
		assert.NoError(t, e.Decode(&tr))
		mu.Lock()
		trades = append(trades, tr)
		mu.Unlock()
	}, "")
	ch.Listen(protocol.EventBalance, func(Event) {
		mu.Lock()
		other++
		mu.Unlock()
	}, "")

	require.NoError(t, ch.Connect(context.Background()))
	conn := net.Last(testURL)

	conn.Deliver(`garbage`)
	conn.Deliver(`{"data":{}}`)
	conn.Deliver(`{"command":"trade","data":{"position":42,"symbol":"US500","state":"Created","cmd":0}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trades) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(42), trades[0].Position)
	assert.Equal(t, "US500", trades[0].Symbol)
	assert.Zero(t, other)
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	ch, net, _ := newTestChannel(t)

	var (
		mu       sync.Mutex
		statuses []protocol.ConnectionStatus
	)
	ch.OnStatusChange(func(s protocol.ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}, "")

	require.NoError(t, ch.Connect(context.Background()))
	net.Last(testURL).Drop(errors.New("reset"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, net.Conns(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.ConnectionStatus{
		protocol.Connecting, protocol.Connected,
		protocol.Disconnected,
		protocol.Connecting, protocol.Connected,
	}, statuses)
}

func TestChannel_CloseStopsReconnect(t *testing.T) {
	ch, net, _ := newTestChannel(t)
	require.NoError(t, ch.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Close(ctx))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, net.Conns(), 1)
	assert.Equal(t, protocol.Disconnected, ch.Status())
}

func TestChannel_SlowDisconnectListenerKeepsNewConnection(t *testing.T) {
	ch, net, token := newTestChannel(t)
	token.Set("session-abc")
	ch.OnStatusChange(func(s protocol.ConnectionStatus) {
		if s == protocol.Disconnected {
			time.Sleep(100 * time.Millisecond)
		}
	}, "slow")

	require.NoError(t, ch.Connect(context.Background()))
	first := net.Last(testURL)
	first.Drop(errors.New("reset"))

	require.Eventually(t, func() bool { return len(net.Conns()) == 2 && ch.Connected() }, 2*time.Second, 5*time.Millisecond)
	second := net.Last(testURL)
	require.NotSame(t, first, second)

	_, ok := second.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok, "ping not sent on the new connection")

	tx := ch.SubscribeTickPrices("EURUSD", 0, 0)
	require.NoError(t, waitTx(t, tx))
	env, ok := second.WaitCommand(protocol.TopicTickPrices, time.Second)
	require.True(t, ok, "subscription not sent on the new connection")
	assert.Equal(t, "EURUSD", env["symbol"])
	assert.Equal(t, protocol.Connected, ch.Status())
}

func TestChannel_CloseFromPushListener(t *testing.T) {
	ch, net, _ := newTestChannel(t)

	done := make(chan error, 1)
	ch.Listen(protocol.EventTrade, func(Event) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- ch.Close(ctx)
	}, "")

	require.NoError(t, ch.Connect(context.Background()))
	net.Last(testURL).Deliver(`{"command":"trade","data":{"position":42,"symbol":"US500","state":"Created","cmd":0}}`)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close called from a listener did not return")
	}
	assert.Equal(t, protocol.Disconnected, ch.Status())

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, net.Conns(), 1)
}
