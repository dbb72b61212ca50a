package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/powermem/powermem/internal/platform/ctxutil"
)

func TestAttachRequestIDThreadsTraceData(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachRequestID())

	var got *ctxutil.TraceData
	r.GET("/x", func(c *gin.Context) {
		got = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got == nil || got.RequestID == "" {
		t.Fatalf("request context should carry a request id, got=%+v", got)
	}
	if w.Header().Get(RequestIDHeader) != got.RequestID {
		t.Fatalf("response header %q should echo the request id %q",
			w.Header().Get(RequestIDHeader), got.RequestID)
	}
}

func TestAttachRequestIDHonorsClientHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachRequestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("client-supplied id should round-trip, got=%q", w.Header().Get(RequestIDHeader))
	}
}
