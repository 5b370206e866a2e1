package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/annahealth/assistant-platform/internal/http/handlers"
)

type stubChat struct{}

func (stubChat) HandleMessage(ctx context.Context, userID, text string) ([]string, error) {
	return []string{"ok"}, nil
}

type stubHealth struct{}

func (stubHealth) Healthy(ctx context.Context) bool { return true }

func TestRoutes(t *testing.T) {
	h := New(&Config{
		ChatHandler:   handlers.NewChatHandler(stubChat{}, nil),
		HealthHandler: handlers.NewHealthHandler(stubHealth{}),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"user_id":"alice@example.com","message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/chat status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}

	// Unknown routes 404.
	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/nope status = %d", resp.StatusCode)
	}
}
