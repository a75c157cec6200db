package command

import (
	"context"
	"encoding/json"
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

const testURL = "wss://ws.test/demo"

func testConfig() Config {
	return Config{
		URL:            testURL,
		AccountID:      "12345",
		Password:       "secret",
		AppName:        "xapi-client-test",
		RateLimit:      0,
		SettleDelay:    10 * time.Millisecond,
		ReconnectDelay: 30 * time.Millisecond,
		LoginRetries:   2,
		LoginBackoff:   10 * time.Millisecond,
	}
}

type harness struct {
	ch    *Channel
	net   *transporttest.Network
	token *session.Token

	mu       sync.Mutex
	statuses []protocol.ConnectionStatus
	fatal    []error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{net: transporttest.NewNetwork(), token: &session.Token{}}
	h.ch = New(cfg, h.token, nil,
		WithTransportFactory(h.net.Factory()),
		WithFatalHandler(func(err error) {
			h.mu.Lock()
			h.fatal = append(h.fatal, err)
			h.mu.Unlock()
		}),
	)
	h.ch.OnStatusChange(func(s protocol.ConnectionStatus) {
		h.mu.Lock()
		h.statuses = append(h.statuses, s)
		h.mu.Unlock()
	}, "")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.ch.Close(ctx)
	})
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Fake {
	t.Helper()
	require.NoError(t, h.ch.Connect(context.Background()))
	conn := h.net.Last(testURL)
	require.NotNil(t, conn)
	return conn
}

func (h *harness) fatalErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.fatal...)
}

func (h *harness) statusLog() []protocol.ConnectionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.ConnectionStatus(nil), h.statuses...)
}

func wait(t *testing.T, tx *queue.Transaction) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := tx.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "transaction %s did not complete", tx.Command)
	return payload, err
}

func tagOf(t *testing.T, env map[string]any) string {
	t.Helper()
	tag, ok := env["customTag"].(string)
	require.True(t, ok, "request has no customTag: %v", env)
	return tag
}

func countCommand(conn *transporttest.Fake, command string) int {
	n := 0
	for _, c := range conn.SentCommands() {
		if c == command {
			n++
		}
	}
	return n
}

func TestChannel_ConnectPingsThenLogsIn(t *testing.T) {
	h := newHarness(t, testConfig())

	var (
		mu     sync.Mutex
		logins []Reply
	)
	h.ch.Listen(protocol.CmdLogin, func(r Reply) {
		mu.Lock()
		logins = append(logins, r)
		mu.Unlock()
	}, "")

	conn := h.connect(t)
	assert.Equal(t, protocol.Connected, h.ch.Status())

	_, ok := conn.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok, "ping not sent on open")

	env, ok := conn.WaitCommand(protocol.CmdLogin, time.Second)
	require.True(t, ok, "login not sent after settle delay")

	args, _ := env["arguments"].(map[string]any)
	assert.Equal(t, "12345", args["userId"])
	assert.Equal(t, "secret", args["password"])
	assert.Equal(t, "xapi-client-test", args["appName"])

	conn.DeliverJSON(map[string]any{
		"status":          true,
		"streamSessionId": "session-abc",
		"customTag":       tagOf(t, env),
	})

	// Login success is followed by another ping.
	_, ok = conn.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok, "ping not sent after login")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(logins) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var reply protocol.LoginReply
	require.NoError(t, logins[0].Decode(&reply))
	assert.Equal(t, "session-abc", reply.StreamSessionID)
	assert.False(t, logins[0].SentAt.IsZero())
}

func TestChannel_LoginRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)

	for i := 0; i < 3; i++ {
		env, ok := conn.WaitCommand(protocol.CmdLogin, time.Second)
		require.True(t, ok, "login attempt %d not sent", i+1)
		conn.DeliverJSON(map[string]any{
			"status":     false,
			"errorCode":  "BE118",
			"errorDescr": "User already logged",
			"customTag":  tagOf(t, env),
		})
	}

	_, ok := conn.WaitCommand(protocol.CmdLogin, 150*time.Millisecond)
	assert.False(t, ok, "login retried more than retries+1 times")
	assert.Equal(t, 3, countCommand(conn, protocol.CmdLogin))
	assert.Empty(t, h.fatalErrors())
}

func TestChannel_LoginFatalStopsRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)

	env, ok := conn.WaitCommand(protocol.CmdLogin, time.Second)
	require.True(t, ok)
	conn.DeliverJSON(map[string]any{
		"status":     false,
		"errorCode":  protocol.CodeLoginFatal,
		"errorDescr": "Invalid login or password",
		"customTag":  tagOf(t, env),
	})

	require.Eventually(t, func() bool { return len(h.fatalErrors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.CodeLoginFatal, protocol.ErrorCode(h.fatalErrors()[0]))

	_, ok = conn.WaitCommand(protocol.CmdLogin, 100*time.Millisecond)
	assert.False(t, ok, "login retried after fatal error")
}

func TestChannel_LoginInterruptedByCloseIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	h := newHarness(t, cfg)
	conn := h.connect(t)

	_, ok := conn.WaitCommand(protocol.CmdLogin, time.Second)
	require.True(t, ok)
	conn.Drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.ch.Status() == protocol.Disconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, countCommand(conn, protocol.CmdLogin))
	assert.Empty(t, h.fatalErrors())
}

func TestChannel_SendCommandWhileDisconnected(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := wait(t, h.ch.Ping())
	assert.ErrorIs(t, err, protocol.ErrSocketClosed)
	assert.Empty(t, h.net.Conns())
}

func TestChannel_SendCommandRequiresSession(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)

	_, err := wait(t, h.ch.GetTrades(true))
	assert.ErrorIs(t, err, protocol.ErrNotLoggedIn)
	assert.Zero(t, countCommand(conn, protocol.CmdGetTrades))

	h.token.Set("session-abc")
	tx := h.ch.GetTrades(true)
	env, ok := conn.WaitCommand(protocol.CmdGetTrades, time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.FormatTag(protocol.CmdGetTrades, tx.ID), tagOf(t, env))
	args, _ := env["arguments"].(map[string]any)
	assert.Equal(t, true, args["openedOnly"])
}

func TestChannel_SafeModeBlocksTrading(t *testing.T) {
	cfg := testConfig()
	cfg.SafeMode = true
	h := newHarness(t, cfg)
	conn := h.connect(t)
	h.token.Set("session-abc")

	_, err := wait(t, h.ch.TradeTransaction(model.TradeTransInfo{Symbol: "EURUSD"}))
	assert.ErrorIs(t, err, protocol.ErrTradingDisabled)
	assert.Zero(t, countCommand(conn, protocol.CmdTradeTransaction))
}

func TestChannel_RepliesCorrelateByTag(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)
	h.token.Set("session-abc")

	timeTx := h.ch.GetServerTime()
	tradesTx := h.ch.GetTrades(true)
	timeEnv, ok := conn.WaitCommand(protocol.CmdGetServerTime, time.Second)
	require.True(t, ok)
	tradesEnv, ok := conn.WaitCommand(protocol.CmdGetTrades, time.Second)
	require.True(t, ok)

	// Replies arrive in reverse order.
	conn.DeliverJSON(map[string]any{"status": true, "returnData": []any{}, "customTag": tagOf(t, tradesEnv)})
	conn.DeliverJSON(map[string]any{"status": true, "returnData": map[string]any{"time": 1700000000000}, "customTag": tagOf(t, timeEnv)})

	payload, err := wait(t, timeTx)
	require.NoError(t, err)
	var st model.ServerTime
	require.NoError(t, json.Unmarshal(payload, &st))
	assert.Equal(t, int64(1700000000000), st.Time)

	payload, err = wait(t, tradesTx)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(payload))
}

func TestChannel_ErrorReplyRejects(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)
	h.token.Set("session-abc")

	tx := h.ch.GetAllSymbols()
	env, ok := conn.WaitCommand(protocol.CmdGetAllSymbols, time.Second)
	require.True(t, ok)
	conn.DeliverJSON(map[string]any{
		"status":     false,
		"errorCode":  "EX001",
		"errorDescr": "Internal error",
		"customTag":  tagOf(t, env),
	})

	_, err := wait(t, tx)
	require.Error(t, err)
	assert.Equal(t, "EX001", protocol.ErrorCode(err))

	info, _ := h.ch.Queue().Get(tx.ID)
	require.NotNil(t, info.Response)
	assert.False(t, info.Response.Status)
	assert.False(t, info.Interrupted)
}

func TestChannel_UnmatchedRepliesAreDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SettleDelay = time.Hour
	h := newHarness(t, cfg)
	conn := h.connect(t)
	h.token.Set("session-abc")

	var (
		mu    sync.Mutex
		calls int
	)
	h.ch.Listen(protocol.CmdGetServerTime, func(Reply) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, "")

	tx := h.ch.GetServerTime()
	env, ok := conn.WaitCommand(protocol.CmdGetServerTime, time.Second)
	require.True(t, ok)
	size := h.ch.Queue().Len()

	conn.Deliver(`not json`)
	conn.Deliver(`{"status":true,"returnData":{}}`)
	conn.Deliver(`{"status":true,"returnData":{},"customTag":"garbage"}`)
	conn.Deliver(`{"status":true,"returnData":{},"customTag":"getServerTime_999"}`)
	conn.Deliver(`{"status":false,"errorCode":"BE001","errorDescr":"unsolicited"}`)
	conn.DeliverJSON(map[string]any{"status": true, "returnData": map[string]any{"time": 1}, "customTag": tagOf(t, env)})

	_, err := wait(t, tx)
	require.NoError(t, err)

	// A duplicate of an already-resolved reply is ignored too.
	conn.DeliverJSON(map[string]any{"status": true, "returnData": map[string]any{"time": 2}, "customTag": tagOf(t, env)})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, size, h.ch.Queue().Len())
}

func TestChannel_CloseRejectsOpenTransactions(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = time.Hour
	cfg.ReconnectDelay = 20 * time.Millisecond
	h := newHarness(t, cfg)
	conn := h.connect(t)
	h.token.Set("session-abc")

	sent := h.ch.GetTrades(true)
	_, ok := conn.WaitCommand(protocol.CmdGetTrades, time.Second)
	require.True(t, ok)
	waiting := h.ch.GetServerTime()

	conn.Drop(errors.New("connection reset"))

	_, err := wait(t, sent)
	var rejected *queue.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.Interrupted)
	assert.ErrorIs(t, err, protocol.ErrSocketClosed)

	_, err = wait(t, waiting)
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.Interrupted)

	// Reconnects on its own.
	require.Eventually(t, func() bool { return len(h.net.Conns()) == 2 && h.ch.Connected() }, time.Second, 5*time.Millisecond)
}

func TestChannel_CloseDisablesReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.ch.Close(ctx))
	assert.Equal(t, protocol.Disconnected, h.ch.Status())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.net.Conns(), 1)
	assert.Equal(t, []protocol.ConnectionStatus{
		protocol.Connecting,
		protocol.Connected,
		protocol.Disconnected,
	}, h.statusLog())
}

func TestChannel_DialFailureRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.Refuse(true)

	err := h.ch.Connect(context.Background())
	assert.ErrorIs(t, err, transporttest.ErrDialRefused)
	assert.Equal(t, protocol.Disconnected, h.ch.Status())

	h.net.Refuse(false)
	require.Eventually(t, h.ch.Connected, time.Second, 5*time.Millisecond)
}

func TestChannel_ShutdownLogsOutFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.connect(t)

	go func() {
		env, ok := conn.WaitCommand(protocol.CmdLogout, time.Second)
		if ok {
			conn.DeliverJSON(map[string]any{"status": true, "customTag": env["customTag"]})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.ch.Shutdown(ctx))

	assert.Equal(t, protocol.Disconnected, h.ch.Status())
	assert.Equal(t, 1, countCommand(conn, protocol.CmdLogout))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.net.Conns(), 1)
}

func TestChannel_SlowDisconnectListenerKeepsNewConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ch.OnStatusChange(func(s protocol.ConnectionStatus) {
		if s == protocol.Disconnected {
			time.Sleep(100 * time.Millisecond)
		}
	}, "slow")

	first := h.connect(t)
	_, ok := first.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok)
	first.Drop(errors.New("reset"))

	require.Eventually(t, func() bool { return len(h.net.Conns()) == 2 && h.ch.Connected() }, 2*time.Second, 5*time.Millisecond)
	second := h.net.Last(testURL)
	require.NotSame(t, first, second)

	// The replacement connection owns the queue: ping, login and the
	// post-login ping all go out on it.
	_, ok = second.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok, "ping not sent on the new connection")
	env, ok := second.WaitCommand(protocol.CmdLogin, time.Second)
	require.True(t, ok, "login not sent on the new connection")
	second.DeliverJSON(map[string]any{
		"status":          true,
		"streamSessionId": "session-abc",
		"customTag":       tagOf(t, env),
	})
	_, ok = second.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok, "ping not sent after login")

	assert.Equal(t, protocol.Connected, h.ch.Status())
	assert.Len(t, h.net.Conns(), 2)
}

func TestChannel_CloseFromReplyListener(t *testing.T) {
	h := newHarness(t, testConfig())

	done := make(chan error, 1)
	h.ch.Listen(protocol.CmdPing, func(Reply) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- h.ch.Close(ctx)
	}, "")

	conn := h.connect(t)
	env, ok := conn.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok)
	conn.DeliverJSON(map[string]any{"status": true, "customTag": tagOf(t, env)})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close called from a listener did not return")
	}
	assert.Equal(t, protocol.Disconnected, h.ch.Status())
}

func TestChannel_ShutdownFromReplyListener(t *testing.T) {
	cfg := testConfig()
	cfg.LogoutTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	done := make(chan error, 1)
	h.ch.Listen(protocol.CmdPing, func(Reply) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.ch.Shutdown(ctx)
	}, "")

	conn := h.connect(t)
	env, ok := conn.WaitCommand(protocol.CmdPing, time.Second)
	require.True(t, ok)
	conn.DeliverJSON(map[string]any{"status": true, "customTag": tagOf(t, env)})

	// The logout reply can't be read while the listener runs, so Shutdown
	// gives up on it after LogoutTimeout and closes anyway.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown called from a listener did not return")
	}
	assert.Equal(t, protocol.Disconnected, h.ch.Status())
	assert.Equal(t, 1, countCommand(conn, protocol.CmdLogout))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.net.Conns(), 1)
}
