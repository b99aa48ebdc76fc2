package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMetricName(t *testing.T) {
	for in, want := range map[string]string{
		" job/metric ":  "job_metric",
		"foo..bar":      "foo.bar",
		"multi  space":  "multi__space",
		"..queue.jobs.": "queue.jobs",
		" . ":           "",
	} {
		assert.Equal(t, want, normalizeMetricName(in), in)
	}
}

func TestFormatTags(t *testing.T) {
	global := map[string]string{"env": "prod", " service ": " master "}
	local := map[string]string{"result": " success ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,result:success,service:master", formatTags(global, local))
	assert.Empty(t, formatTags(nil, nil))
}

func TestClientLine(t *testing.T) {
	c, err := NewClient(Config{Prefix: ".mmkq.", GlobalTags: map[string]string{"host": "h1"}})
	require.NoError(t, err)

	line, ok := c.line("queue..jobs", "3", kindGauge, map[string]string{"state": "waiting"})
	require.True(t, ok)
	assert.Equal(t, "mmkq.queue.jobs:3|g|#host:h1,state:waiting", string(line))

	_, ok = c.line("  ", "1", kindCount, nil)
	assert.False(t, ok)
}

func TestClientWritesDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	defer pc.Close()

	c, err := NewClient(Config{
		Enabled:    true,
		Address:    pc.LocalAddr().String(),
		Prefix:     "mmkq",
		GlobalTags: map[string]string{"host": "h1"},
	})
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Enabled())

	c.Timing("master.phase", 1500*time.Microsecond, nil)
	c.Count("jobs.enqueued", 2, map[string]string{"type": "mmk.noop"})

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got []string
	for range 2 {
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.ElementsMatch(t, []string{
		"mmkq.master.phase:1.5|ms|#host:h1",
		"mmkq.jobs.enqueued:2|c|#host:h1,type:mmk.noop",
	}, got)
}

func TestClientDisabled(t *testing.T) {
	c, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, c.Enabled(), "blank address drops metrics")
	c.Count("dropped", 1, nil)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	nilClient.Gauge("x", 1, nil)
	assert.NoError(t, nilClient.Close())
}

func TestClientClose(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	c := &Client{conn: local}
	require.True(t, c.Enabled())
	require.NoError(t, c.Close())
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close(), "second close is a no-op")
}

func TestNewClientDialError(t *testing.T) {
	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statsd dial")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Count("a", 2, map[string]string{" k ": "v"})
	r.Gauge("b", 1.5, nil)
	r.Timing("a", 2*time.Millisecond, nil)

	assert.Len(t, r.Samples(), 3)
	named := r.Named("a")
	require.Len(t, named, 2)
	assert.Equal(t, "v", named[0].Tags["k"])
	assert.Equal(t, kindTiming, named[1].Kind)
	assert.InDelta(t, 2.0, named[1].Value, 1e-9)
}
