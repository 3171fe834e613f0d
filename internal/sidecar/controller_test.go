package sidecar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/procutil"
	"captchabridge/internal/protocol"
	"captchabridge/pkg/model"
)

const (
	helperEnv   = "CAPTCHAD_SIDECAR_HELPER"
	spawnLogEnv = "CAPTCHAD_SIDECAR_SPAWNS"
)

// TestHelperProcess 充当 worker 子进程，行为由环境变量中的模式决定
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	defer os.Exit(0)
	if path := os.Getenv(spawnLogEnv); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintln(f, os.Getpid())
			_ = f.Close()
		}
	}

	conn := protocol.NewConn(os.Stdin, os.Stdout)
	switch mode {
	case "initfail":
		_ = conn.WriteReply(protocol.Reply{
			Success: false, Message: protocol.MsgInitFailed,
			Error: "no supported browser found", ErrorType: string(failure.BrowserNotFound), IsFatal: true,
		})
		return
	case "silent":
		time.Sleep(10 * time.Second)
		return
	case "noisy":
		fmt.Println("DevTools listening on ws://127.0.0.1:9222/devtools/browser/x")
		fmt.Fprintln(os.Stderr, "worker log line")
	}
	_ = conn.WriteReply(protocol.Reply{Success: true, Message: protocol.MsgReady})

	n := 0
	_ = protocol.Serve(context.Background(), conn, protocol.HandlerFunc(func(_ context.Context, cmd protocol.Command) (protocol.Reply, bool) {
		switch cmd.Type {
		case protocol.CmdGetTokens:
			if mode == "hang" {
				time.Sleep(30 * time.Second)
			}
			if mode == "blocked" {
				return protocol.Fail(failure.New(failure.AuthBlocked, "account blocked (403)")), false
			}
			if mode == "env" {
				return protocol.Reply{Success: true, Tokens: []string{"NO_COLOR=" + os.Getenv("NO_COLOR")}, State: "ready"}, false
			}
			tokens := make([]string, cmd.Count)
			for i := range tokens {
				n++
				tokens[i] = fmt.Sprintf("tok-%d", n)
			}
			action := cmd.Action
			if action == "" {
				action = "VIDEO_GENERATION"
			}
			return protocol.Reply{Success: true, Tokens: tokens, Action: action, State: "ready"}, false
		case protocol.CmdRestart:
			return protocol.Reply{Success: true, Message: protocol.MsgRestarted, State: "ready"}, false
		case protocol.CmdResetProxy:
			return protocol.Reply{Success: true, Message: protocol.MsgProxyReset, State: "ready"}, false
		case protocol.CmdPing:
			return protocol.Reply{Success: true, Message: protocol.MsgPong, State: "ready"}, false
		default:
			return protocol.Reply{Success: true, Message: protocol.MsgShuttingDown}, true
		}
	}))
}

func newController(t *testing.T, mode string) *Controller {
	t.Helper()
	c := New(Options{
		Command:        []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:            []string{helperEnv + "=" + mode},
		ReadyTimeout:   5 * time.Second,
		CommandTimeout: 5 * time.Second,
		ShutdownWait:   2 * time.Second,
		PIDFile:        procutil.NewPIDFile(filepath.Join(t.TempDir(), "worker.pid"), ""),
	}, nil)
	t.Cleanup(c.Shutdown)
	return c
}

func TestStartAcquireShutdown(t *testing.T) {
	c := newController(t, "ok")
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, model.StateReady, c.State())
	pid := c.PID()
	assert.NotZero(t, pid)
	assert.Equal(t, pid, c.opts.PIDFile.Read())

	batch, err := c.AcquireTokens(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, batch.Tokens)
	assert.Equal(t, "VIDEO_GENERATION", batch.Action)

	batch, err = c.AcquireTokens(ctx, 1, "IMAGE_GENERATION")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-3"}, batch.Tokens)
	assert.Equal(t, "IMAGE_GENERATION", batch.Action)

	st, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st)
	require.NoError(t, c.ResetProxy(ctx))
	require.NoError(t, c.Restart(ctx))

	c.Shutdown()
	c.Shutdown()
	assert.Equal(t, model.StateStopped, c.State())
	assert.Zero(t, c.PID())
	assert.Zero(t, c.opts.PIDFile.Read())
}

func TestAcquireStartsLazily(t *testing.T) {
	c := newController(t, "ok")
	batch, err := c.AcquireTokens(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Len(t, batch.Tokens, 1)
	assert.Equal(t, model.StateReady, c.State())
}

func TestNonJSONLinesAreIgnored(t *testing.T) {
	c := newController(t, "noisy")
	require.NoError(t, c.Start(context.Background()))
	batch, err := c.AcquireTokens(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1"}, batch.Tokens)
}

func TestInitFailedFatal(t *testing.T) {
	c := newController(t, "initfail")
	err := c.Start(context.Background())
	f := failure.From(err)
	require.NotNil(t, f)
	assert.Equal(t, failure.BrowserNotFound, f.Kind)
	assert.True(t, f.Fatal)
	assert.Equal(t, model.StateFatal, c.State())
	assert.Zero(t, c.PID())
}

func TestReadyTimeout(t *testing.T) {
	c := newController(t, "silent")
	c.opts.ReadyTimeout = 300 * time.Millisecond

	err := c.Start(context.Background())
	assert.Equal(t, failure.Timeout, failure.KindOf(err))
	assert.Equal(t, model.StateStopped, c.State())
}

func TestFailureReplyIsStructured(t *testing.T) {
	c := newController(t, "blocked")
	_, err := c.AcquireTokens(context.Background(), 1, "")
	f := failure.From(err)
	require.NotNil(t, f)
	assert.Equal(t, failure.AuthBlocked, f.Kind)
	assert.False(t, f.Fatal)
	assert.Equal(t, model.StateReady, c.State(), "a structured failure keeps the child alive")
}

func TestCallerCancelKillsChild(t *testing.T) {
	c := newController(t, "hang")
	require.NoError(t, c.Start(context.Background()))
	pid := c.PID()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := c.AcquireTokens(ctx, 1, "")
	require.Error(t, err)
	assert.Equal(t, model.StateStopped, c.State())
	assert.Zero(t, c.PID())
	assert.Eventually(t, func() bool { return !procutil.IsAlive(pid) }, 3*time.Second, 50*time.Millisecond)
}

func TestWorkerRunsWithoutColor(t *testing.T) {
	c := newController(t, "env")
	batch, err := c.AcquireTokens(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"NO_COLOR=1"}, batch.Tokens)
}

// recordLogger 记录 Info 消息
type recordLogger struct {
	logger.Logger
	mu   sync.Mutex
	msgs []string
}

func (r *recordLogger) Info(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func TestRelayStderrStripsColor(t *testing.T) {
	rec := &recordLogger{Logger: logger.NewNop()}
	c := New(Options{}, rec)

	in := "\x1b[90m10:00:00\x1b[0m \x1b[32mINF\x1b[0m 浏览器已启动 \x1b[36mpid=\x1b[0m42\n\n   \nplain line\n"
	c.relayStderr(strings.NewReader(in))

	assert.Equal(t, []string{"[worker] 10:00:00 INF 浏览器已启动 pid=42", "[worker] plain line"}, rec.msgs)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	spawns := filepath.Join(t.TempDir(), "spawns")
	c := newController(t, "slow")
	c.opts.Env = append(c.opts.Env, spawnLogEnv+"="+spawns)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return c.State() == model.StateReady }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	data, err := os.ReadFile(spawns)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(data)), 1, "one child for all concurrent starts")
}

func TestStartReclaimsOrphanFromPIDFile(t *testing.T) {
	orphan := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	orphan.Env = append(os.Environ(), helperEnv+"=silent")
	procutil.SetProcessGroup(orphan)
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(exited)
	}()
	t.Cleanup(func() { procutil.KillGroup(orphan.Process.Pid) })

	c := newController(t, "ok")
	require.NoError(t, c.opts.PIDFile.Write(orphan.Process.Pid))
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned worker still running")
	}
	assert.NotEqual(t, orphan.Process.Pid, c.PID())
	assert.Equal(t, c.PID(), c.opts.PIDFile.Read())
}
