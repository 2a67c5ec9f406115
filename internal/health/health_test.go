package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOrderAndFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("store", func(context.Context) error { return nil })
	r.Register("sweeper", func(context.Context) error { return errors.New("not running") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if statuses[0].Name != "store" || !statuses[0].Healthy {
		t.Errorf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Name != "sweeper" || statuses[1].Detail != "not running" {
		t.Errorf("unexpected second status %+v", statuses[1])
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy || statuses[0].Healthy {
		t.Fatal("expected the slow check to fail")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the timeout")
	}
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry(time.Second)
	down := true
	r.Register("store", func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	})
	router := gin.New()
	router.GET("/health/live", Live)
	router.GET("/health/ready", r.Ready)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status string   `json:"status"`
		Checks []Status `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || len(body.Checks) != 1 {
		t.Errorf("unexpected body %+v", body)
	}

	down = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
