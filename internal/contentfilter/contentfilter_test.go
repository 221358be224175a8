package contentfilter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	newsletter = "Subscribe to our newsletter. We use cookies, see our privacy policy."
	technique  = "The loader executes `rundll32.exe payload.dll,Start` and contacts 203.0.113.7."
	footer     = "© 2024 Acme Corp. All rights reserved. Follow us on LinkedIn."
	readMore   = "Read more about our incident response services."
)

func doc(parts ...string) string {
	return strings.Join(parts, "\n\n")
}

func TestApply_RemovesConfidentJunk(t *testing.T) {
	out, res, err := New().Apply(context.Background(), doc(newsletter, technique, footer, readMore), 0.8)
	require.NoError(t, err)
	assert.Equal(t, doc(technique, readMore), out)
	assert.Equal(t, 4, res.TotalChunks)
	assert.Equal(t, 2, res.KeptChunks)
	assert.Equal(t, 2, res.RemovedChunks)
	assert.Equal(t, len(out), res.FilteredLength)
	assert.InDelta(t, 0.8, res.Threshold, 1e-9)
}

func TestApply_LowerThresholdRemovesMore(t *testing.T) {
	out, res, err := New().Apply(context.Background(), doc(newsletter, technique, readMore), 0.5)
	require.NoError(t, err)
	assert.Equal(t, technique, out)
	assert.Equal(t, 2, res.RemovedChunks)
}

func TestApply_SignalOverridesJunk(t *testing.T) {
	mixed := "Share this: the operators ran powershell -enc JABzAD0A from a cookie-stuffing site. Subscribe for more."
	out, res, err := New().Apply(context.Background(), doc(mixed, footer), 0.8)
	require.NoError(t, err)
	assert.Equal(t, mixed, out)
	assert.Equal(t, 1, res.RemovedChunks)
}

func TestApply_AllJunkKeepsOriginal(t *testing.T) {
	in := doc(newsletter, footer)
	out, res, err := New().Apply(context.Background(), in, 0.8)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, 0, res.RemovedChunks)
	assert.Equal(t, 2, res.KeptChunks)
}

func TestApply_DefaultThreshold(t *testing.T) {
	_, res, err := New().Apply(context.Background(), technique, 0)
	require.NoError(t, err)
	assert.InDelta(t, DefaultThreshold, res.Threshold, 1e-9)
}

func TestApply_Empty(t *testing.T) {
	_, _, err := New().Apply(context.Background(), "  \n ", 0.8)
	assert.Error(t, err)
}

func TestApply_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New().Apply(ctx, technique, 0.8)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScore_LinkNavigation(t *testing.T) {
	chunks := Score("[Home](/) [Blog](/blog) [Cookies](/cookies)\r\n\r\n" + technique)
	require.Len(t, chunks, 2)
	assert.InDelta(t, 1.0, chunks[0].JunkConfidence, 1e-9)
	assert.Zero(t, chunks[1].JunkConfidence)
	assert.Positive(t, chunks[1].SignalHits)
}
