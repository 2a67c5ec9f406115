package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/smartescrow/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
}

func TestDispatcher_SignsAndDelivers(t *testing.T) {
	var (
		gotSig   atomic.Value
		gotTopic atomic.Value
		gotBody  atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(HeaderSignature))
		gotTopic.Store(r.Header.Get(HeaderEvent))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, "whsec", slog.Default()).WithRetry(fastRetry())
	require.NoError(t, d.Publish(context.Background(), &Message{
		ID: "msg_1", Topic: TopicPaymentReleased, EscrowID: "esc_1", CreatedAt: time.Now(),
	}))
	d.Wait()

	body, _ := gotBody.Load().([]byte)
	require.NotEmpty(t, body)
	assert.Equal(t, string(TopicPaymentReleased), gotTopic.Load())
	assert.True(t, Verify(body, "whsec", gotSig.Load().(string)))
	assert.False(t, Verify(body, "other", gotSig.Load().(string)))
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, "s", slog.Default()).WithRetry(fastRetry())
	require.NoError(t, d.Publish(context.Background(), &Message{ID: "m", Topic: TopicEscrowFrozen}))
	d.Wait()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := fastRetry()
	p.MaxDelay = 20 * time.Millisecond
	d := NewDispatcher([]string{srv.URL}, "s", slog.Default()).WithRetry(p)

	start := time.Now()
	require.NoError(t, d.Publish(context.Background(), &Message{ID: "m", Topic: TopicMilestoneApproved}))
	d.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "waits the capped Retry-After")
}

func TestDispatcher_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, "s", slog.Default()).WithRetry(fastRetry())
	require.NoError(t, d.Publish(context.Background(), &Message{ID: "m", Topic: TopicEscrowFrozen}))
	d.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{Err: assert.AnError}

	err := Multi{ok, bad, Noop{}}.Publish(context.Background(), &Message{Topic: TopicDisputeRaised})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []Topic{TopicDisputeRaised}, ok.Topics())
	assert.Len(t, bad.Messages(), 1)
}
