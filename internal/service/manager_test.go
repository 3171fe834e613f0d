package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captchabridge/internal/bridge"
	"captchabridge/internal/config"
	"captchabridge/internal/failure"
	"captchabridge/internal/storage"
	"captchabridge/pkg/model"
)

type fakeController struct {
	state    model.State
	err      error
	actions  []string
	restarts int
	resets   int
	shutdown int
}

func (f *fakeController) Start(context.Context) error {
	f.state = model.StateReady
	return nil
}

func (f *fakeController) AcquireTokens(_ context.Context, count int, action string) (*model.TokenBatch, error) {
	f.actions = append(f.actions, action)
	if f.err != nil {
		return nil, f.err
	}
	tokens := make([]string, count)
	for i := range tokens {
		tokens[i] = "tok"
	}
	return &model.TokenBatch{Action: action, Tokens: tokens}, nil
}

func (f *fakeController) Restart(context.Context) error    { f.restarts++; return nil }
func (f *fakeController) ResetProxy(context.Context) error { f.resets++; return nil }
func (f *fakeController) State() model.State               { return f.state }
func (f *fakeController) Shutdown()                        { f.shutdown++; f.state = model.StateStopped }

func newJournal(t *testing.T) *storage.Journal {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "j.sqlite3"), "t_", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return storage.NewJournal(db)
}

func TestEmbeddedAcquireRecordsJournal(t *testing.T) {
	ctrl := &fakeController{}
	m := New(Options{Mode: config.ModeEmbedded, Channel: 3, Action: "VIDEO_GENERATION"},
		Deps{Controller: ctrl, Journal: newJournal(t), Metrics: bridge.NewMetrics()}, nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	batch, err := m.AcquireTokens(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, model.Channel(3), batch.Channel)
	assert.Equal(t, []string{"VIDEO_GENERATION"}, ctrl.actions)

	ctrl.err = failure.New(failure.AuthBlocked, "account blocked (403)")
	_, err = m.AcquireTokens(ctx, 1, "IMAGE")
	assert.Equal(t, failure.AuthBlocked, failure.KindOf(err))

	st := m.Status()
	assert.Equal(t, model.StateReady, st.State)
	assert.Equal(t, int64(2), st.TokensReceived)
	assert.Contains(t, st.LastError, "blocked")

	hist, err := m.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.False(t, hist[0].OK)
	assert.Equal(t, "AuthBlocked", hist[0].ErrorKind)
	assert.True(t, hist[1].OK)
	assert.Equal(t, 2, hist[1].Received)
	assert.NotEmpty(t, hist[1].TraceID)
	assert.NotEqual(t, hist[0].TraceID, hist[1].TraceID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deps.Metrics.Acquired.WithLabelValues("embedded", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deps.Metrics.Acquired.WithLabelValues("embedded", "AuthBlocked")))

	require.NoError(t, m.RestartWorker(ctx))
	require.NoError(t, m.ResetProxy(ctx))
	assert.Equal(t, 1, ctrl.restarts)
	assert.Equal(t, 1, ctrl.resets)

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, 1, ctrl.shutdown)
}

func newBridgeManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	metrics := bridge.NewMetrics()
	b := bridge.NewBroker(bridge.BrokerOptions{PollInterval: 10 * time.Millisecond, Metrics: metrics}, nil)
	srv := bridge.NewServer("127.0.0.1:0", b, metrics, nil, nil)
	m := New(Options{Mode: config.ModeBridge, Channel: 2, Action: "VIDEO_GENERATION", TokenTimeout: timeout},
		Deps{Broker: b, Server: srv, Metrics: metrics}, nil)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestBridgeAcquireWaitsForProducer(t *testing.T) {
	m := newBridgeManager(t, 2*time.Second)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, model.StateReady, m.Status().State)

	b := m.deps.Broker
	go func() {
		for i := 0; i < 200; i++ {
			if req := b.Poll(2); req != nil {
				_, _ = b.Deliver(2, req.Action, []string{"t1", "t2"})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	batch, err := m.AcquireTokens(context.Background(), 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, batch.Tokens)
	assert.Equal(t, "VIDEO_GENERATION", batch.Action)
	assert.Nil(t, b.Poll(2))
}

func TestBridgeAcquireTimesOut(t *testing.T) {
	m := newBridgeManager(t, 60*time.Millisecond)
	_, err := m.AcquireTokens(context.Background(), 1, "X")
	assert.Equal(t, failure.NoTokensReceived, failure.KindOf(err))
	assert.NotNil(t, m.deps.Broker.Poll(2), "the request stays pending for a late producer")
}

func TestBridgeDropsStaleBatchBeforePublishing(t *testing.T) {
	m := newBridgeManager(t, 60*time.Millisecond)
	_, _ = m.deps.Broker.Deliver(2, "X", []string{"stale"})

	_, err := m.AcquireTokens(context.Background(), 1, "X")
	require.Error(t, err)
}

func TestBridgeModeRejectsWorkerOperations(t *testing.T) {
	m := newBridgeManager(t, time.Second)
	assert.True(t, errors.Is(m.RestartWorker(context.Background()), ErrUnsupported))
	assert.True(t, errors.Is(m.ResetProxy(context.Background()), ErrUnsupported))

	m.deps.Broker.SetCookie("sid=1")
	v, ok := m.Cookie()
	assert.True(t, ok)
	assert.Equal(t, "sid=1", v)

	_, err := m.History(context.Background(), 5)
	assert.Error(t, err)
}

func TestBuildSelectsMode(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "b.sqlite3")
	cfg.Manager.Mode = config.ModeBridge
	cfg.Bridge.Port = 18999

	m, err := Build(cfg, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	assert.NotNil(t, m.deps.Broker)
	assert.NotNil(t, m.deps.Journal)
	assert.Nil(t, m.deps.Controller)

	cfg.Manager.Mode = config.ModeEmbedded
	cfg.Sidecar.PIDFile = filepath.Join(t.TempDir(), "w.pid")
	m2, err := Build(cfg, "/etc/captchad.yaml", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Stop(context.Background()) })
	assert.NotNil(t, m2.deps.Controller)

	opts := SidecarOptions(cfg, "/etc/captchad.yaml")
	assert.Equal(t, []string{"worker", "--config", "/etc/captchad.yaml"}, opts.Command[1:])

	cfg.Manager.Mode = "nope"
	_, err = Build(cfg, "", nil)
	assert.Error(t, err)
}

func TestAcquireCapsCount(t *testing.T) {
	ctrl := &fakeController{}
	m := New(Options{Mode: config.ModeEmbedded, Channel: 1, Action: "A"}, Deps{Controller: ctrl}, nil)

	batch, err := m.AcquireTokens(context.Background(), 12, "")
	require.NoError(t, err)
	assert.Equal(t, model.MaxTokensPerRequest, batch.Len())
}
