package deletion

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
)

// RequestAcceptedMessage is sent for every well-formed request so callers
// cannot tell whether the email is registered.
const RequestAcceptedMessage = "If this email exists in our waitlist, a confirmation link has been sent."

type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
	events events.Emitter
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, emitter events.Emitter) *Handler {
	return &Handler{svc: svc, logger: logger, events: emitter}
}

type RequestBody struct {
	Email string `json:"email"`
}

type ConfirmBody struct {
	Token string `json:"token"`
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RequestDeletion handles POST /waitlist/delete.
func (h *Handler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	var req RequestBody
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.svc.Request(r.Context(), req.Email); err != nil {
		var ve *waitlist.ValidationError
		if errors.As(err, &ve) {
			httpx.FieldError(w, ve.Field, ve.Message)
			return
		}
		httpx.InternalError(w, r, h.logger, h.events, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, Response{Success: true, Message: RequestAcceptedMessage})
}

// ConfirmDeletion handles DELETE /waitlist/delete.
func (h *Handler) ConfirmDeletion(w http.ResponseWriter, r *http.Request) {
	var req ConfirmBody
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.svc.Confirm(r.Context(), req.Token); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			httpx.Error(w, http.StatusBadRequest, "Invalid or expired token")
			return
		}
		httpx.InternalError(w, r, h.logger, h.events, err)
		return
	}
	httpx.JSON(w, http.StatusOK, Response{Success: true, Message: "Your waitlist data has been deleted."})
}
