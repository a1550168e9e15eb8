package waitlist

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	svc, store, rec := newTestService(t)
	put(t, store, &entity.Entry{ID: "1", Email: "ada@example.com", Position: 50, ReferralCode: "ADA1"})
	put(t, store, &entity.Entry{ID: "2", Email: "bob@example.com", Position: 51, ReferralCode: "BOB1", ReferredBy: ptr("ADA1")})
	return NewHandler(svc, zap.NewNop().Sugar(), rec), svc
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHandler_GetPosition(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.GetPosition(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/position?email=ADA@example.com", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(50), body["position"])
	assert.Equal(t, "ADA1", body["referralCode"])
	assert.Equal(t, "https://example.com/waitlist?ref=ADA1", body["referralUrl"])

	rr = httptest.NewRecorder()
	h.GetPosition(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/position?email=ghost@example.com", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Email not found in waitlist", decode(t, rr)["error"])

	rr = httptest.NewRecorder()
	h.GetPosition(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/position?email=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "email", decode(t, rr)["field"])
}

func TestHandler_Signup(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.Signup(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(`{"email":"cy@example.com","referralCode":"ADA1"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(52), body["position"])
	assert.Equal(t, true, body["created"])

	rr = httptest.NewRecorder()
	h.Signup(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(`{"email":"ada@example.com"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode(t, rr)["created"])

	rr = httptest.NewRecorder()
	h.Signup(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_UpdatePosition(t *testing.T) {
	h, svc := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.UpdatePosition(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(`{"email":"ada@example.com","incrementReferral":true}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(45), body["position"])
	assert.Equal(t, float64(1), body["referralCount"])

	rr = httptest.NewRecorder()
	h.UpdatePosition(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(`{"email":"ada@example.com","newPosition":2}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["position"])

	rr = httptest.NewRecorder()
	h.UpdatePosition(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(`{"email":"ada@example.com"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "newPosition", decode(t, rr)["field"])

	rr = httptest.NewRecorder()
	h.UpdatePosition(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/position", strings.NewReader(`{"email":"ghost@example.com","incrementReferral":true}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	e, err := svc.Lookup(t.Context(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Position)
}

func TestHandler_GetReferral(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.GetReferral(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/referral?code=ada1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["valid"])
	referrer := body["referrer"].(map[string]any)
	assert.Equal(t, float64(50), referrer["position"])
	_, leaked := referrer["email"]
	assert.False(t, leaked)

	rr = httptest.NewRecorder()
	h.GetReferral(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/referral?code=NOPE", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode(t, rr)["valid"])

	rr = httptest.NewRecorder()
	h.GetReferral(rr, httptest.NewRequest(http.MethodGet, "/api/waitlist/referral", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_CreditReferral(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"referralCode":"ADA1","referredEmail":"bob@example.com"}`

	rr := httptest.NewRecorder()
	h.CreditReferral(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/referral", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode(t, rr)
	assert.Equal(t, "ada@example.com", resp["referrerEmail"])
	assert.Equal(t, float64(45), resp["newPosition"])
	assert.Equal(t, float64(1), resp["newReferralCount"])

	rr = httptest.NewRecorder()
	h.CreditReferral(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/referral", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	h.CreditReferral(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/referral", strings.NewReader(`{"referralCode":"NOPE","referredEmail":"bob@example.com"}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Invalid referral code", decode(t, rr)["error"])

	rr = httptest.NewRecorder()
	h.CreditReferral(rr, httptest.NewRequest(http.MethodPost, "/api/waitlist/referral", strings.NewReader(`{"referralCode":"ADA1","referredEmail":"ada@example.com"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Cannot refer yourself", decode(t, rr)["error"])
}
