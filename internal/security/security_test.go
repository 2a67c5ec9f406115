package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.Handle(method, "/v1/escrows", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/v1/escrows", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	allowed := []string{"https://ops.example.com"}

	t.Run("allowed origin", func(t *testing.T) {
		w := serve(CORSMiddleware(allowed), http.MethodGet, "https://ops.example.com")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Actor-ID")
	})

	t.Run("preflight", func(t *testing.T) {
		w := serve(CORSMiddleware(allowed), http.MethodOptions, "https://ops.example.com")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("unknown origin preflight", func(t *testing.T) {
		w := serve(CORSMiddleware(allowed), http.MethodOptions, "https://evil.example.com")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin simple request gets no grant", func(t *testing.T) {
		w := serve(CORSMiddleware(allowed), http.MethodGet, "https://evil.example.com")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("wildcard without credentials", func(t *testing.T) {
		w := serve(CORSMiddleware([]string{"*"}), http.MethodGet, "https://any.example.com")
		assert.Equal(t, "https://any.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("disabled", func(t *testing.T) {
		w := serve(CORSMiddleware(nil), http.MethodGet, "https://ops.example.com")
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://203.0.113.10/hooks", false},
		{"http://203.0.113.10/hooks", true},
		{"https://localhost/hooks", true},
		{"https://127.0.0.1/hooks", true},
		{"https://10.0.0.5/hooks", true},
		{"https://192.168.1.1/hooks", true},
		{"https://169.254.169.254/latest", true},
		{"https://[::1]/hooks", true},
		{"https://0.0.0.0/hooks", true},
		{"https://100.64.1.1/hooks", true},
		{"https://[::ffff:10.0.0.1]/hooks", true},
		{"https:///hooks", true},
		{"ftp://203.0.113.10", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGuardedClientRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := GuardedClient(time.Second).Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrBlockedAddress.Error())
}
