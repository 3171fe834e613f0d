package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"captchabridge/internal/config"
	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/storage"
	"captchabridge/pkg/bridgeclient"
	"captchabridge/pkg/model"
)

type fakeSource struct {
	err   error
	calls int
}

func (f *fakeSource) AcquireTokens(_ context.Context, count int, action string) (*model.TokenBatch, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.TokenBatch{Action: action, Tokens: []string{"t1", "t2"}[:count]}, nil
}

type fakeBridge struct {
	req    *bridgeclient.Request
	posted [][]string
}

func (b *fakeBridge) PollRequest(context.Context, model.Channel) (*bridgeclient.Request, error) {
	if b.req == nil {
		return &bridgeclient.Request{}, nil
	}
	return b.req, nil
}

func (b *fakeBridge) PostTokens(_ context.Context, _ model.Channel, _ string, tokens []string) (int, error) {
	b.posted = append(b.posted, tokens)
	b.req = nil
	return len(tokens), nil
}

func newProducer(src tokenSource, br bridgeAPI) *producer {
	return &producer{src: src, bridge: br, channel: 2, log: logger.NewNop()}
}

func TestProducerAnswersPendingRequest(t *testing.T) {
	src := &fakeSource{}
	br := &fakeBridge{req: &bridgeclient.Request{NeedToken: true, Action: "X", Count: 2}}
	p := newProducer(src, br)

	require.NoError(t, p.step(context.Background()))
	assert.Equal(t, [][]string{{"t1", "t2"}}, br.posted)

	require.NoError(t, p.step(context.Background()))
	assert.Equal(t, 1, src.calls, "no request, no acquisition")
}

func TestProducerLeavesRequestOnFailure(t *testing.T) {
	src := &fakeSource{err: failure.New(failure.NoTokensReceived, "no tokens received")}
	br := &fakeBridge{req: &bridgeclient.Request{NeedToken: true, Action: "X", Count: 1}}
	p := newProducer(src, br)

	require.NoError(t, p.step(context.Background()))
	assert.Empty(t, br.posted)
	assert.NotNil(t, br.req)
}

func TestProducerStopsOnFatal(t *testing.T) {
	src := &fakeSource{err: failure.New(failure.BrowserNotFound, "no supported browser found")}
	br := &fakeBridge{req: &bridgeclient.Request{NeedToken: true, Count: 1}}
	p := newProducer(src, br)

	err := p.run(context.Background())
	assert.Equal(t, failure.BrowserNotFound, failure.KindOf(err))
}

func TestProducerRunEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, newProducer(&fakeSource{}, &fakeBridge{}).run(ctx))
}

func TestDescribeAddsHint(t *testing.T) {
	err := describe(failure.New(failure.AuthBlocked, "account blocked (403)"))
	assert.Contains(t, err.Error(), "account blocked")
	assert.Equal(t, failure.AuthBlocked, failure.KindOf(err))

	plain := errors.New("boom")
	assert.Same(t, plain, describe(plain))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(context.Background())
	var out bytes.Buffer
	root.stdOut = &out
	root.cmd.SetArgs(args)
	err := root.cmd.Execute()
	return out.String(), err
}

func TestSecretSetStoresInKeyring(t *testing.T) {
	keyring.MockInit()
	out, err := run(t, "secret", "set", "probe-secret", "s3cr3t")
	require.NoError(t, err)
	assert.Contains(t, out, "probe-secret stored")

	v, err := keyring.Get(config.KeyringService, "probe-secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	_, err = run(t, "secret", "set", "other", "x")
	assert.Error(t, err)
}

func TestHistoryPrintsYAML(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "h.sqlite3")
	db, err := storage.Open(dsn, "captcha_", nil)
	require.NoError(t, err)
	j := storage.NewJournal(db)
	require.NoError(t, j.Record(context.Background(), &storage.Acquisition{Mode: "embedded", Action: "X", Requested: 2, Received: 2, OK: true}))
	require.NoError(t, j.Record(context.Background(), &storage.Acquisition{Mode: "bridge", Action: "X", Requested: 1, ErrorKind: "Timeout", Error: "no tokens"}))
	require.NoError(t, storage.Close(db))

	cfgPath := filepath.Join(dir, "captchad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sqlite:\n  dsn: "+dsn+"\n  prefix: captcha_\nlog:\n  level: error\n  writer: []\n"), 0o600))

	out, err := run(t, "--config", cfgPath, "history", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "summary:")
	assert.Contains(t, out, "total: 2")
	assert.Contains(t, out, "tokens: 2/2")
	assert.Contains(t, out, "Timeout: no tokens")
}
