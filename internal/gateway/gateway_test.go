package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/channels"
	"github.com/basket/workcell/internal/ingestion"
	"github.com/basket/workcell/internal/persistence"
	"github.com/basket/workcell/internal/rawstore"
	"github.com/basket/workcell/internal/userstore"
)

func newTestServer(t *testing.T, routes []userstore.Route) (*Server, *persistence.QueueStore) {
	t.Helper()
	queue, err := persistence.OpenQueueStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	reg := channels.NewRegistry()
	reg.RegisterInbound(channel.Slack, channels.SlackInbound{})
	reg.RegisterInbound(channel.Email, channels.PostmarkInbound{})
	reg.RegisterInbound(channel.WhatsApp, channels.WhatsAppInbound{})

	gw := &ingestion.Gateway{
		Queue:  queue,
		Raw:    rawstore.NewFileStore(t.TempDir()),
		Router: userstore.NewRouter(routes),
	}
	s := New(Config{
		Ingestion: gw,
		Adapters:  reg,
		Verify: VerifyConfig{
			WhatsAppVerifyToken: "verify-me",
		},
	})
	return s, queue
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestSlackURLVerificationBypassesSignatureCheck(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := `{"type":"url_verification","challenge":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/slack", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["challenge"] != "abc123" {
		t.Fatalf("expected challenge echoed back, got %+v", resp)
	}
}

func TestPostmarkRejectsMissingBearerToken(t *testing.T) {
	s, _ := newTestServer(t, []userstore.Route{{Channel: channel.Email, External: "bot@example.com", EmployeeID: "emp-1"}})
	s.cfg.Verify.PostmarkToken = "secret-token"

	body := `{"From":"a@b.com","To":"bot@example.com","TextBody":"hi","MessageID":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/postmark", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the server token header, got %d", rec.Code)
	}
}

func TestPostmarkAcceptsRoutedMessage(t *testing.T) {
	s, queue := newTestServer(t, []userstore.Route{{Channel: channel.Email, External: "bot@example.com", EmployeeID: "emp-1"}})

	body := `{"From":"a@b.com","To":"bot@example.com","Subject":"hello","TextBody":"hi","MessageID":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/postmark", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env, err := queue.ClaimNext(req.Context(), "test", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if env == nil || env.Message.EmployeeID != "emp-1" {
		t.Fatalf("expected routed envelope for emp-1, got %+v", env)
	}
}

func TestPostmarkUnroutedSenderReturns502(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := `{"From":"a@b.com","To":"nobody@example.com","TextBody":"hi","MessageID":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/postmark", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for an unrouted recipient, got %d", rec.Code)
	}
}

func TestWhatsAppSubscriptionVerification(t *testing.T) {
	s, _ := newTestServer(t, nil)
	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", "verify-me")
	q.Set("hub.challenge", "echo-this")

	req := httptest.NewRequest(http.MethodGet, "/ingest/whatsapp?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "echo-this" {
		t.Fatalf("expected challenge echoed verbatim, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWhatsAppSubscriptionVerificationRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", "wrong")
	q.Set("hub.challenge", "echo-this")

	req := httptest.NewRequest(http.MethodGet, "/ingest/whatsapp?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched verify token, got %d", rec.Code)
	}
}
