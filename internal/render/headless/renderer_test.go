package headless

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 500,
			URL:    "https://t1.example/search.php?page=9",
		},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, 500, status)
	require.Equal(t, "https://t1.example/search.php?page=9", url)

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://t1.example/app.js"},
	})
	status, _ = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 500, status, "sub-resources do not overwrite the document status")

	meta.reset()
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, 200, status)
	require.Equal(t, "https://final", url)

	_, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestSessionGone(t *testing.T) {
	t.Parallel()

	require.True(t, sessionGone(context.Canceled, errors.New("anything")))
	require.True(t, sessionGone(nil, chromedp.ErrInvalidContext))
	require.True(t, sessionGone(nil, chromedp.ErrChannelClosed))
	require.False(t, sessionGone(nil, errors.New("net::ERR_CONNECTION_RESET")))
}

func TestRunOnClosedTabIsSessionLost(t *testing.T) {
	t.Parallel()

	tabCtx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Renderer{tabCtx: tabCtx, tabCancel: cancel, allocCancel: func() {}, meta: newResponseMeta()}

	_, err := r.Navigate(context.Background(), "https://t1.example")
	require.ErrorIs(t, err, crawler.ErrSessionLost)
	_, err = r.Extract(context.Background())
	require.ErrorIs(t, err, crawler.ErrSessionLost)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
