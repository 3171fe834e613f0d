package bridgeclient

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captchabridge/internal/bridge"
	"captchabridge/pkg/model"
)

func setup(t *testing.T) (*bridge.Broker, *Client) {
	t.Helper()
	b := bridge.NewBroker(bridge.BrokerOptions{ProjectName: "demo"}, nil)
	ts := httptest.NewServer(bridge.NewServer("127.0.0.1:18923", b, nil, nil, nil).Router())
	t.Cleanup(ts.Close)
	return b, New(ts.URL, 0)
}

func TestProducerRoundTrip(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()

	req, err := c.PollRequest(ctx, 2)
	require.NoError(t, err)
	assert.False(t, req.NeedToken)

	published := b.Publish(2, "X", 2)
	req, err = c.PollRequest(ctx, 2)
	require.NoError(t, err)
	assert.True(t, req.NeedToken)
	assert.Equal(t, published.ID, req.ID)
	assert.Equal(t, "X", req.Action)
	assert.Equal(t, 2, req.Count)
	assert.Equal(t, model.Channel(2), req.Channel)

	n, err := c.PostTokens(ctx, 2, "X", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"t1", "t2"}, b.Fetch(2).Tokens)
}

func TestPostTokensSurfacesServerError(t *testing.T) {
	_, c := setup(t)
	_, err := c.PostTokens(context.Background(), 1, "X", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty")
}

func TestCookieInfoStatus(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.SetCookie(ctx, "sid=1"))
	v, ok, err := c.Cookie(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sid=1", v)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "demo", info.ProjectName)
	assert.Equal(t, 18923, info.Port)
	assert.Equal(t, model.NumChannels, info.NumChannels)

	b.Publish(4, "X", 1)
	st, err := c.Status(ctx, 0)
	require.NoError(t, err)
	assert.True(t, st.HasPending)
	assert.Equal(t, []int{4}, st.Channels)

	st, err = c.Status(ctx, 1)
	require.NoError(t, err)
	assert.False(t, st.HasPending)
}
