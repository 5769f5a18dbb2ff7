package httpsrv

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "reportd/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":8080", false},
		{"0.0.0.0:8080", false},
		{"10.0.0.1:80", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("IsLoopbackAddr(%q)=%v want %v", tt.addr, got, tt.want)
		}
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()
	h := WithAuth("tok", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "bearer", header: "Bearer tok", want: http.StatusNoContent},
		{name: "wrong bearer", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "query", query: "?token=tok", want: http.StatusNoContent},
		{name: "wrong query wins over header", header: "Bearer tok", query: "?token=x", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: code=%d want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestServiceServesAndStops(t *testing.T) {
	t.Parallel()
	s := New("test", "127.0.0.1:0", Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), func(Config) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "hi") })
	})
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hi" {
		t.Fatalf("body=%q", body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("still serving after Stop")
	}
}
