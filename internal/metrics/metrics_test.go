// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveItem("q", "complete", time.Millisecond)
	m.Published("local", "remote")
	m.SetConnected(true)
	m.SendFinished(nil, time.Second)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveItem("playback", "complete", 5*time.Millisecond)
	m.ObserveItem("playback", "complete", 5*time.Millisecond)
	m.ObserveItem("playback", "failed", time.Millisecond)
	m.Published("local", "remote")
	m.Duplicate()
	m.SetConnected(true)
	m.SetPending(3)
	m.SendFinished(errors.New("stream failed"), time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueItems.WithLabelValues("playback", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueItems.WithLabelValues("playback", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesPublished.WithLabelValues("local", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelConnected))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChannelPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineSends.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Relayed("context:update")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stage_server_events_relayed_total{type="context:update"} 1`)
}
