package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"captchabridge/internal/failure"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"GET_TOKENS 3", Command{Type: CmdGetTokens, Count: 3}},
		{"get_tokens 2 IMAGE_GENERATION", Command{Type: CmdGetTokens, Count: 2, Action: "IMAGE_GENERATION"}},
		{"GET_TOKENS", Command{Type: CmdGetTokens, Count: 1}},
		{"GET_TOKENS 99", Command{Type: CmdGetTokens, Count: MaxTokensPerCommand}},
		{"  PING  ", Command{Type: CmdPing}},
		{"RESTART_BROWSER", Command{Type: CmdRestart}},
		{"RESET_PROXY", Command{Type: CmdResetProxy}},
		{"SHUTDOWN", Command{Type: CmdShutdown}},
	}
	for _, c := range cases {
		got, err := ParseCommand(c.line)
		require.NoError(t, err, c.line)
		assert.Equal(t, c.want, got, c.line)
	}

	for _, bad := range []string{"", "GET_TOKENS zero", "GET_TOKENS 0", "FLY"} {
		_, err := ParseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "GET_TOKENS 2 VIDEO", Command{Type: CmdGetTokens, Count: 2, Action: "VIDEO"}.String())
	assert.Equal(t, "GET_TOKENS 1", Command{Type: CmdGetTokens}.String())
	assert.Equal(t, "PING", Command{Type: CmdPing, Count: 5}.String())
}

func TestReplyEncodeShape(t *testing.T) {
	b, err := Reply{Success: true, Tokens: []string{"t1", "t2"}, Action: "A"}.Encode()
	require.NoError(t, err)
	doc := gjson.ParseBytes(b)
	assert.True(t, doc.Get("success").Bool())
	assert.Equal(t, `["t1","t2"]`, doc.Get("tokens").Raw)
	assert.False(t, doc.Get("error").Exists())
	assert.False(t, doc.Get("isFatal").Exists())

	b, err = Reply{Success: true, Message: MsgReady}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"READY"}`, string(b))
}

func TestFailReplyCarriesClassification(t *testing.T) {
	f := failure.New(failure.BrowserNotFound, "no supported browser found")
	f.MaxRetriesReached = true
	r := Fail(f)
	assert.False(t, r.Success)
	assert.Equal(t, "BrowserNotFound", r.ErrorType)
	assert.True(t, r.IsFatal)
	assert.True(t, r.MaxRetriesReached)
	assert.NotEmpty(t, r.ErrorHint)

	b, err := r.Encode()
	require.NoError(t, err)
	back, err := DecodeReply(b)
	require.NoError(t, err)
	assert.Equal(t, r, back)

	got := back.Failure()
	assert.Equal(t, failure.BrowserNotFound, got.Kind)
	assert.True(t, got.Fatal)
	assert.True(t, got.MaxRetriesReached)
	assert.Nil(t, Reply{Success: true}.Failure())
}

func TestReplyFailureWithoutType(t *testing.T) {
	f := Reply{Error: "net::ERR_CONNECTION_RESET"}.Failure()
	assert.Equal(t, failure.ProxyReset, f.Kind)
}

func TestDecodeReplyRejectsNonJSON(t *testing.T) {
	for _, line := range []string{"DevTools listening on ws://...", "[1,2]", `"str"`, ""} {
		_, err := DecodeReply([]byte(line))
		assert.ErrorIs(t, err, ErrNotJSON, line)
	}
}

func TestServe(t *testing.T) {
	in := strings.NewReader("PING\n\nBOGUS\nGET_TOKENS 2 X\nSHUTDOWN\nPING\n")
	var out bytes.Buffer
	var seen []Command

	h := HandlerFunc(func(_ context.Context, cmd Command) (Reply, bool) {
		seen = append(seen, cmd)
		switch cmd.Type {
		case CmdGetTokens:
			return Reply{Success: true, Tokens: []string{"a", "b"}, Action: cmd.Action}, false
		case CmdShutdown:
			return Reply{Success: true, Message: MsgShuttingDown}, true
		default:
			return Reply{Success: true, Message: MsgPong}, false
		}
	})
	require.NoError(t, Serve(context.Background(), NewConn(in, &out), h))

	assert.Len(t, seen, 3, "stops after SHUTDOWN")
	client := NewConn(&out, io.Discard)
	var replies []Reply
	for {
		r, _, err := client.ReadReply()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		replies = append(replies, r)
	}
	require.Len(t, replies, 4)
	assert.Equal(t, MsgPong, replies[0].Message)
	assert.False(t, replies[1].Success)
	assert.Contains(t, replies[1].Error, "unknown command")
	assert.Equal(t, []string{"a", "b"}, replies[2].Tokens)
	assert.Equal(t, "X", replies[2].Action)
	assert.Equal(t, MsgShuttingDown, replies[3].Message)
}

func TestServeEndsOnEOF(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), NewConn(strings.NewReader("PING\n"), &out), HandlerFunc(func(context.Context, Command) (Reply, bool) {
		return Reply{Success: true}, false
	}))
	assert.NoError(t, err)
	assert.Equal(t, "{\"success\":true}\n", out.String())
}

func TestServeHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Serve(ctx, NewConn(pr, io.Discard), HandlerFunc(func(context.Context, Command) (Reply, bool) {
		return Reply{}, false
	}))
	assert.ErrorIs(t, err, context.Canceled)
}
