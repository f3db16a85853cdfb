package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zaptest"

	"github.com/rickgao/tickmux/internal/model"
	"github.com/rickgao/tickmux/internal/upstream/upstreamtest"
)

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(zapslog.NewHandler(zaptest.NewLogger(t).Core()))
}

func newFeed(t *testing.T) *upstreamtest.Feed {
	feed := upstreamtest.NewFeed()
	t.Cleanup(feed.Close)
	return feed
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.LoginTimeout = 2 * time.Second
	return cfg
}

type tickSink chan model.Tick

func (s tickSink) HandleTick(t model.Tick) { s <- t }

func startSession(t *testing.T, feed *upstreamtest.Feed, handler TickHandler, onLost LostFunc) *Session {
	t.Helper()
	s := NewSession(testConfig(feed.URL()), nil, handler, onLost, testLogger(t))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.Equal(t, StateAuthenticating, s.State())
	require.NoError(t, s.Login(ctx, "tok"))
	require.Equal(t, StateRunning, s.State())
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})
	return s
}

func TestSession_ConnectAndLogin(t *testing.T) {
	feed := newFeed(t)
	feed.SetToken("tok")

	startSession(t, feed, nil, nil)
	assert.Equal(t, 1, feed.Logins())
}

func TestSession_LoginRejected(t *testing.T) {
	feed := newFeed(t)
	feed.RejectLogins(8005, "token expired")

	s := NewSession(testConfig(feed.URL()), nil, nil, nil, testLogger(t))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	err := s.Login(ctx, "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.Contains(t, err.Error(), "token expired")
	assert.Equal(t, StateDisconnected, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after failed login")
	}
}

func TestSession_WrongToken(t *testing.T) {
	feed := newFeed(t)
	feed.SetToken("good")

	s := NewSession(testConfig(feed.URL()), nil, nil, nil, testLogger(t))
	require.NoError(t, s.Connect(context.Background()))
	err := s.Login(context.Background(), "bad")
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestSession_ConnectRefused(t *testing.T) {
	feed := newFeed(t)
	feed.RefuseConnections(true)

	s := NewSession(testConfig(feed.URL()), nil, nil, nil, testLogger(t))
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Equal(t, StateDisconnected, s.State())

	// A finished session cannot be reused.
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestSession_LoginTimeout(t *testing.T) {
	feed := newFeed(t)
	feed.SilentLogin(true)

	cfg := testConfig(feed.URL())
	cfg.LoginTimeout = 100 * time.Millisecond
	s := NewSession(cfg, nil, nil, nil, testLogger(t))
	require.NoError(t, s.Connect(context.Background()))

	start := time.Now()
	err := s.Login(context.Background(), "tok")
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSession_LoginCancelled(t *testing.T) {
	feed := newFeed(t)
	feed.SilentLogin(true)

	cfg := testConfig(feed.URL())
	cfg.LoginTimeout = 0
	s := NewSession(cfg, nil, nil, nil, testLogger(t))
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := s.Login(ctx, "tok")
	assert.True(t, errors.Is(err, ErrConnection))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSession_LoginInWrongState(t *testing.T) {
	s := NewSession(testConfig("ws://127.0.0.1:1"), nil, nil, nil, testLogger(t))
	err := s.Login(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_RegisterAndRemove(t *testing.T) {
	feed := newFeed(t)

	s := startSession(t, feed, nil, nil)

	require.NoError(t, s.SendRegister(1, "005930.KS"))
	require.NoError(t, s.SendRemove(1, "005930.KS"))

	require.True(t, feed.Wait(2*time.Second, func() bool { return len(feed.Commands()) == 2 }))
	cmds := feed.Commands()
	assert.Equal(t, "REG", cmds[0].Trnm)
	assert.Equal(t, "0001", cmds[0].Group)
	assert.Equal(t, []string{"005930"}, cmds[0].Items)
	assert.Equal(t, []string{"0B"}, cmds[0].Types)
	assert.Equal(t, "REMOVE", cmds[1].Trnm)
	assert.Equal(t, "0001", cmds[1].Group)
}

func TestSession_SendWhenNotRunning(t *testing.T) {
	s := NewSession(testConfig("ws://127.0.0.1:1"), nil, nil, nil, testLogger(t))
	assert.ErrorIs(t, s.SendRegister(1, "X"), ErrNotConnected)
}

func TestSession_DeliversTicks(t *testing.T) {
	feed := newFeed(t)

	ticks := make(tickSink, 10)
	s := startSession(t, feed, ticks, nil)

	require.NoError(t, feed.SendRaw([]byte(`not json`)))
	require.NoError(t, feed.SendReal(2, "005930", map[string]string{
		"20": "093015", "10": "-71000", "11": "-500", "12": "-0.70", "13": "100",
	}))

	select {
	case tick := <-ticks:
		assert.Equal(t, model.GroupID(2), tick.Group)
		assert.Equal(t, "005930", tick.ItemCode)
		assert.Equal(t, "71000", tick.Price.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(1), stats.TicksDecoded)
}

func TestSession_EchoesPing(t *testing.T) {
	feed := newFeed(t)

	s := startSession(t, feed, nil, nil)
	require.NoError(t, feed.SendPing())

	assert.True(t, feed.Wait(2*time.Second, func() bool { return feed.Echoes() == 1 }))
	assert.True(t, feed.Wait(time.Second, func() bool { return s.Stats().PingsEchoed == 1 }))
}

func TestSession_OnLostCalledOnce(t *testing.T) {
	feed := newFeed(t)

	type loss struct {
		s   *Session
		err error
	}
	var calls atomic.Int32
	lost := make(chan loss, 2)
	s := startSession(t, feed, nil, func(got *Session, err error) {
		calls.Add(1)
		lost <- loss{got, err}
	})

	feed.DropConnections()

	select {
	case l := <-lost:
		assert.Same(t, s, l.s)
		assert.Error(t, l.err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost not invoked")
	}

	<-s.Done()
	assert.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_CloseDoesNotReportLoss(t *testing.T) {
	feed := newFeed(t)

	var calls atomic.Int32
	s := startSession(t, feed, nil, func(*Session, error) { calls.Add(1) })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, int32(0), calls.Load())
}

func TestSession_StaleConnection(t *testing.T) {
	feed := newFeed(t)

	cfg := testConfig(feed.URL())
	cfg.StaleTimeout = 100 * time.Millisecond
	lost := make(chan error, 1)
	s := NewSession(cfg, nil, nil, func(_ *Session, err error) { lost <- err }, testLogger(t))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Login(context.Background(), "tok"))
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection not reported lost")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(99).String())
}
