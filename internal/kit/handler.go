package kit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/metrics"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc    *Service
	cfg    Config
	logger *zap.SugaredLogger
	events events.Emitter
}

func NewHandler(svc *Service, cfg Config, logger *zap.SugaredLogger, emitter events.Emitter) *Handler {
	return &Handler{svc: svc, cfg: cfg, logger: logger, events: emitter}
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func signatureHeader(r *http.Request) string {
	if sig := r.Header.Get("x-kit-signature"); sig != "" {
		return sig
	}
	return r.Header.Get("x-convertkit-signature")
}

// Webhook handles POST /webhooks/kit. Once the signature passes it always
// answers 200, even when nothing changed locally, so Kit does not retry.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if h.cfg.Secret == "" && h.cfg.Production {
		h.logger.Error("KIT_WEBHOOK_SECRET is not set; rejecting webhook")
		httpx.Error(w, http.StatusInternalServerError, "Webhook not configured")
		return
	}

	sig := signatureHeader(r)
	switch {
	case sig == "" && !h.cfg.Production:
		// development only: unsigned deliveries are accepted for local testing
		h.logger.Warn("kit webhook without signature accepted outside production")
	case sig == "":
		metrics.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
		httpx.Error(w, http.StatusUnauthorized, "Missing signature")
		return
	case !VerifySignature(h.cfg.Secret, body, sig):
		h.logger.Warnw("kit webhook signature mismatch", "remote", httpx.ClientIP(r))
		metrics.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
		httpx.Error(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		httpx.InternalError(w, r, h.logger, h.events, fmt.Errorf("decode kit payload: %w", err))
		return
	}

	outcome, err := h.svc.Handle(r.Context(), p)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(p.Event, "error").Inc()
		httpx.InternalError(w, r, h.logger, h.events, err)
		return
	}
	metrics.WebhookEvents.WithLabelValues(p.Event, string(outcome)).Inc()
	httpx.JSON(w, http.StatusOK, Response{Success: true, Message: fmt.Sprintf("Event %s processed", p.Event)})
}
