package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureDetector_MarksDownAfterThreshold(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	a := net.newDirectory(t, "a", "dev")
	events := watch(a)
	_, err := a.Join(ctx)
	require.NoError(t, err)
	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	fd := NewFailureDetector(a, net, 100*time.Millisecond, 2)

	fd.CheckOnce(ctx)
	assert.True(t, fd.IsNodeHealthy("b"))
	assert.NotContains(t, fd.GetNodeHealth(), "a", "self is not probed")

	net.setDown("b:5701", true)

	fd.CheckOnce(ctx)
	assert.True(t, a.View().Contains("b"), "one miss is below the threshold")
	assert.Equal(t, 1, fd.GetNodeHealth()["b"].MissedBeats)

	fd.CheckOnce(ctx)
	assert.False(t, a.View().Contains("b"))
	assert.Equal(t, 1, events.count(MemberFailed, "b"))

	// b is no longer in the view, so it is no longer monitored
	fd.CheckOnce(ctx)
	assert.NotContains(t, fd.GetNodeHealth(), "b")
}

func TestFailureDetector_RecoveryResetsMisses(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	a := net.newDirectory(t, "a", "dev")
	_, err := a.Join(ctx)
	require.NoError(t, err)
	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	fd := NewFailureDetector(a, net, 100*time.Millisecond, 3)

	net.setDown("b:5701", true)
	fd.CheckOnce(ctx)
	fd.CheckOnce(ctx)
	net.setDown("b:5701", false)
	fd.CheckOnce(ctx)

	assert.Zero(t, fd.GetNodeHealth()["b"].MissedBeats)
	assert.True(t, a.View().Contains("b"))
}

func TestFailureDetector_Run(t *testing.T) {
	net := newMemNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := net.newDirectory(t, "a", "dev")
	_, err := a.Join(ctx)
	require.NoError(t, err)
	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	go NewFailureDetector(a, net, 20*time.Millisecond, 2).Run(ctx)
	net.setDown("b:5701", true)

	assert.Eventually(t, func() bool { return !a.View().Contains("b") }, time.Second, 10*time.Millisecond)
}

func TestHTTPHealthChecker(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	hc := NewHTTPHealthChecker(nil)
	ctx := context.Background()

	assert.NoError(t, hc.Check(ctx, strings.TrimPrefix(healthy.URL, "http://")))
	assert.Error(t, hc.Check(ctx, strings.TrimPrefix(unhealthy.URL, "http://")))
}
