package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/mime"
)

func TestHandleEvents(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Handle(ctx, as2.MessageReceived{FromID: "ACME", File: mime.File{Filename: "a.edi"}})
	m.Handle(ctx, as2.MessageReceived{FromID: "ACME", File: mime.File{Filename: "b.edi"}})
	m.Handle(ctx, as2.OutgoingMessage{Content: make([]byte, 2048)})
	m.Handle(ctx, as2.LogEvent{Message: "ignored"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PayloadsReceived.WithLabelValues("ACME")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.MessageSize))
}

func TestObserveResult(t *testing.T) {
	m := New()

	m.ObserveResult(&as2.Result{Object: &as2.Malformed{Reason: "empty body"}}, time.Millisecond)
	m.ObserveResult(&as2.Result{
		Err: as2.PolicyError("not crypted", "AS2 message is not crypted and should be."),
	}, time.Millisecond)
	m.ObserveResult(&as2.Result{Err: errors.New("boom")}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("security-policy", "insufficient-message-security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("unknown", "")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Duplicates))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveError(as2.ConfigurationError(nil, "Unknown AS2 sender"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `as2_failures_total{code="authentication-failed",kind="configuration"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
