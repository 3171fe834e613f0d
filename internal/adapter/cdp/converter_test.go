package cdp

import (
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
)

func TestFromPaused(t *testing.T) {
	ev := &fetch.RequestPausedReply{
		RequestID:    "interception-1",
		ResourceType: network.ResourceTypeImage,
		Request: network.Request{
			URL:    "https://CDN.Example.com:8443/a.png?x=1",
			Method: "GET",
		},
	}

	req := FromPaused(ev)
	assert.Equal(t, "interception-1", req.ID)
	assert.Equal(t, "cdn.example.com", req.Host)
	assert.Equal(t, "Image", req.ResourceType)
	assert.Equal(t, "GET", req.Method)

	assert.Equal(t, fetch.RequestID("interception-1"), BlockArgs(req).RequestID)
	assert.Equal(t, network.ErrorReasonBlockedByClient, BlockArgs(req).ErrorReason)
	assert.Equal(t, fetch.RequestID("interception-1"), ContinueArgs(req).RequestID)
}

func TestFromPausedUnparsableURL(t *testing.T) {
	req := FromPaused(&fetch.RequestPausedReply{Request: network.Request{URL: "::not a url"}})
	assert.Empty(t, req.Host)
	assert.Equal(t, "::not a url", req.URL)
}
