package waitlist

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/httpx"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

// Handler exposes the signup, position and referral endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
	events events.Emitter
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, emitter events.Emitter) *Handler {
	return &Handler{svc: svc, logger: logger, events: emitter}
}

// PositionResponse is returned by the signup and position endpoints.
type PositionResponse struct {
	Success       bool   `json:"success"`
	Position      int    `json:"position"`
	ReferralCode  string `json:"referralCode"`
	ReferralURL   string `json:"referralUrl"`
	ReferralCount int    `json:"referralCount"`
	Created       *bool  `json:"created,omitempty"`
}

func (h *Handler) positionResponse(e *entity.Entry) PositionResponse {
	return PositionResponse{
		Success:       true,
		Position:      e.Position,
		ReferralCode:  e.ReferralCode,
		ReferralURL:   h.svc.ReferralURL(e.ReferralCode),
		ReferralCount: e.ReferralCount,
	}
}

// SignupRequest body for POST /waitlist.
type SignupRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referralCode"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		h.logger.Debugw("invalid signup payload", "err", err)
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	entry, created, err := h.svc.Signup(r.Context(), req.Email, req.ReferralCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := h.positionResponse(entry)
	resp.Created = &created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Infow("waitlist signup", "email", utilities.RedactEmail(entry.Email), "position", entry.Position)
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Lookup(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.positionResponse(entry))
}

// UpdatePositionRequest body for the internal POST /waitlist/position.
type UpdatePositionRequest struct {
	Email             string `json:"email"`
	NewPosition       *int   `json:"newPosition"`
	IncrementReferral bool   `json:"incrementReferral"`
}

func (h *Handler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	var req UpdatePositionRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		h.logger.Debugw("invalid position payload", "err", err)
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.NewPosition == nil && !req.IncrementReferral {
		httpx.FieldError(w, "newPosition", "Provide newPosition or incrementReferral")
		return
	}

	entry, err := h.svc.Lookup(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.NewPosition != nil {
		if entry, err = h.svc.SetPosition(r.Context(), entry.Email, *req.NewPosition); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.IncrementReferral {
		if entry, err = h.svc.ProcessReferral(r.Context(), entry.Email, 0); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.logger.Infow("position updated", "email", utilities.RedactEmail(entry.Email), "position", entry.Position)
	httpx.JSON(w, http.StatusOK, h.positionResponse(entry))
}

// ReferrerSummary is the public view of a referrer.
type ReferrerSummary struct {
	Position      int `json:"position"`
	ReferralCount int `json:"referralCount"`
}

type ValidateReferralResponse struct {
	Success  bool             `json:"success"`
	Valid    bool             `json:"valid"`
	Referrer *ReferrerSummary `json:"referrer,omitempty"`
}

func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.LookupReferrer(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entry == nil {
		httpx.JSON(w, http.StatusOK, ValidateReferralResponse{Success: true, Valid: false})
		return
	}
	httpx.JSON(w, http.StatusOK, ValidateReferralResponse{
		Success:  true,
		Valid:    true,
		Referrer: &ReferrerSummary{Position: entry.Position, ReferralCount: entry.ReferralCount},
	})
}

// CreditReferralRequest body for POST /waitlist/referral.
type CreditReferralRequest struct {
	ReferralCode  string `json:"referralCode"`
	ReferredEmail string `json:"referredEmail"`
}

type CreditReferralResponse struct {
	Success          bool   `json:"success"`
	ReferrerEmail    string `json:"referrerEmail"`
	NewPosition      int    `json:"newPosition"`
	NewReferralCount int    `json:"newReferralCount"`
}

func (h *Handler) CreditReferral(w http.ResponseWriter, r *http.Request) {
	var req CreditReferralRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		h.logger.Debugw("invalid referral payload", "err", err)
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	referrer, err := h.svc.CreditReferral(r.Context(), req.ReferralCode, req.ReferredEmail)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Infow("referral credited",
		"referrer", utilities.RedactEmail(referrer.Email),
		"position", referrer.Position,
		"referral_count", referrer.ReferralCount,
	)
	httpx.JSON(w, http.StatusOK, CreditReferralResponse{
		Success:          true,
		ReferrerEmail:    referrer.Email,
		NewPosition:      referrer.Position,
		NewReferralCount: referrer.ReferralCount,
	})
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		httpx.FieldError(w, ve.Field, ve.Message)
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Email not found in waitlist")
	case errors.Is(err, ErrInvalidReferralCode):
		httpx.Error(w, http.StatusNotFound, "Invalid referral code")
	case errors.Is(err, ErrReferralMismatch):
		httpx.Error(w, http.StatusBadRequest, "Referral code does not match this user")
	case errors.Is(err, ErrSelfReferral):
		httpx.Error(w, http.StatusBadRequest, "Cannot refer yourself")
	case errors.Is(err, ErrAlreadyCredited):
		httpx.Error(w, http.StatusConflict, "Referral already credited")
	default:
		httpx.InternalError(w, r, h.logger, h.events, err)
	}
}
