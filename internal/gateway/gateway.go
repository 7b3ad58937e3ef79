// Package gateway is the stateless HTTP front door inbound channel traffic
// arrives through: one route per transport, each verifying its own
// signature scheme, handing the body to the matching channel.InboundAdapter,
// and admitting the parsed message to the ingestion queue.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/channels"
	"github.com/basket/workcell/internal/ingestion"
)

// maxBodyBytes bounds how much of a request body the gateway will read
// before giving up; inbound webhooks carry small JSON/form payloads, large
// attachments live in the raw payload store's own upload path, not here.
const maxBodyBytes = 10 << 20 // 10MiB

// Config wires the gateway to the rest of the ingestion pipeline.
type Config struct {
	Ingestion *ingestion.Gateway
	Adapters  *channels.Registry
	Verify    VerifyConfig
	Logger    *slog.Logger
}

// Server mounts the ingest routes onto an http.ServeMux.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// Mux builds the HTTP handler. Every /ingest/ route takes a POST body (or,
// for WhatsApp, also a GET verification handshake) and returns a small JSON
// status object; there is no session state carried between requests.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ingest/postmark", s.route(channel.Email, postmarkExternalID, s.verifyPostmark))
	mux.HandleFunc("/ingest/slack", s.handleSlack)
	mux.HandleFunc("/ingest/bluebubbles", s.route(channel.IMessage, bluebubblesExternalID, s.verifyBlueBubbles))
	mux.HandleFunc("/ingest/sms", s.route(channel.SMS, twilioExternalID, s.verifyTwilioSignature))
	mux.HandleFunc("/ingest/telegram", s.route(channel.Telegram, telegramExternalID, noVerify))
	mux.HandleFunc("/ingest/whatsapp", s.handleWhatsApp)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// externalIDFunc derives the routing-table lookup key from a request's
// already-parsed form/metadata, before the adapter has even run. Each
// channel keys its static route differently: Slack by workspace, Twilio
// channels by the number/account a message arrived at, Telegram by chat,
// email by recipient mailbox.
type externalIDFunc func(r *http.Request, body []byte) string

// verifyFunc checks a request's authenticity. A non-nil error fails the
// request with 401 before the adapter or router ever sees it.
type verifyFunc func(r *http.Request, body []byte) error

func noVerify(*http.Request, []byte) error { return nil }

func (s *Server) verifyPostmark(r *http.Request, _ []byte) error {
	return verifyBearer(s.cfg.Verify.PostmarkToken, r.Header.Get("X-Postmark-Server-Token"))
}

func (s *Server) verifyBlueBubbles(r *http.Request, _ []byte) error {
	return verifyBearer(s.cfg.Verify.BlueBubblesPassword, r.URL.Query().Get("password"))
}

func (s *Server) verifyTwilioSignature(r *http.Request, body []byte) error {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return err
	}
	return verifyTwilio(s.cfg.Verify.TwilioAuthToken, requestURL(r), r.Header.Get("X-Twilio-Signature"), form)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func postmarkExternalID(_ *http.Request, body []byte) string {
	var v struct {
		To string `json:"To"`
	}
	_ = json.Unmarshal(body, &v)
	return v.To
}

func bluebubblesExternalID(r *http.Request, _ []byte) string {
	return r.URL.Query().Get("password")
}

func twilioExternalID(_ *http.Request, body []byte) string {
	form, _ := url.ParseQuery(string(body))
	return form.Get("To")
}

func telegramExternalID(_ *http.Request, _ []byte) string {
	// One bot token per employee: every request to this route belongs to
	// whichever employee owns the route table's default (empty-external)
	// entry for the telegram channel.
	return ""
}

// route builds a handler shared by every POST-only, single-message-per-call
// channel: verify, parse, route, persist raw, enqueue.
func (s *Server) route(kind channel.Kind, externalID externalIDFunc, verify verifyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := verify(r, body); err != nil {
			s.logger().Warn("inbound verification failed", "channel", kind, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		adapter, ok := s.cfg.Adapters.InboundFor(kind)
		if !ok {
			http.Error(w, "no adapter configured", http.StatusServiceUnavailable)
			return
		}
		messages, err := adapter.Parse(body, nil)
		if errors.Is(err, channels.ErrIgnored) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			s.logger().Warn("inbound parse failed", "channel", kind, "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		ext := externalID(r, body)
		status := "accepted"
		for _, msg := range messages {
			result, err := s.cfg.Ingestion.Admit(r.Context(), kind, ext, msg, body)
			if err != nil {
				s.logger().Error("admit failed", "channel", kind, "error", err)
				http.Error(w, "enqueue failed", http.StatusBadGateway)
				return
			}
			if !result.Inserted {
				status = "duplicate"
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

// handleSlack special-cases the URL verification handshake, which Slack
// sends unsigned on first configuring the event subscription, before
// falling through to the shared per-message path.
func (s *Server) handleSlack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		TeamID    string `json:"team_id"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if err := verifySlack(s.cfg.Verify.SlackSigningSecret, r.Header, body); err != nil {
		s.logger().Warn("inbound verification failed", "channel", "slack", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	adapter, ok := s.cfg.Adapters.InboundFor(channel.Slack)
	if !ok {
		http.Error(w, "no adapter configured", http.StatusServiceUnavailable)
		return
	}
	messages, err := adapter.Parse(body, nil)
	if errors.Is(err, channels.ErrIgnored) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.logger().Warn("inbound parse failed", "channel", "slack", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	status := "accepted"
	for _, msg := range messages {
		result, err := s.cfg.Ingestion.Admit(r.Context(), channel.Slack, envelope.TeamID, msg, body)
		if err != nil {
			s.logger().Error("admit failed", "channel", "slack", "error", err)
			http.Error(w, "enqueue failed", http.StatusBadGateway)
			return
		}
		if !result.Inserted {
			status = "duplicate"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleWhatsApp answers Meta's subscription verification GET and, on POST,
// follows the shared per-message path keyed by the recipient phone number.
func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		challenge, ok := verifyWhatsAppChallenge(s.cfg.Verify.WhatsAppVerifyToken, r.URL.Query())
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge))
		return
	}
	s.route(channel.WhatsApp, whatsappExternalID, noVerify)(w, r)
}

func whatsappExternalID(_ *http.Request, body []byte) string {
	var webhook struct {
		Entry []struct {
			ID string `json:"id"`
		} `json:"entry"`
	}
	_ = json.Unmarshal(body, &webhook)
	if len(webhook.Entry) == 0 {
		return ""
	}
	return webhook.Entry[0].ID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
