package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	httpH "github.com/powermem/powermem/internal/http/handlers"
	httpMW "github.com/powermem/powermem/internal/http/middleware"
	"github.com/powermem/powermem/internal/platform/logger"
)

func TestServerServesConfiguredRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(RouterConfig{
		HealthHandler: httpH.NewHealthHandler(),
		Log:           logger.NewNop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("healthcheck status: want=200 got=%d", w.Code)
	}
	if w.Header().Get(httpMW.RequestIDHeader) == "" {
		t.Fatalf("response should carry a request id")
	}
}

func TestServerUnknownRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(RouterConfig{Log: logger.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status: want=404 got=%d", w.Code)
	}
}
