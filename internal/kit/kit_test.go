package kit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/repo"
)

const secret = "whsec_test"

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"subscriber.created"}`)
	sig := Sign(secret, body)

	assert.True(t, VerifySignature(secret, body, sig))
	assert.True(t, VerifySignature(secret, body, strings.ToUpper(sig)))
	assert.False(t, VerifySignature(secret, []byte(`{"event":"subscriber.updated"}`), sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature("", body, sig))
}

func TestFlexString(t *testing.T) {
	var s Subscriber
	require.NoError(t, json.Unmarshal([]byte(`{"id":12345,"fields":{"position":"7","referral_count":2,"note":null}}`), &s))
	assert.Equal(t, FlexString("12345"), s.ID)
	assert.Equal(t, FlexString("7"), s.Fields["position"])
	assert.Equal(t, FlexString("2"), s.Fields["referral_count"])
	assert.Equal(t, FlexString(""), s.Fields["note"])

	assert.Error(t, json.Unmarshal([]byte(`{"id":{"nested":true}}`), &s))
}

func newStore(t *testing.T) *repo.MemoryRepo {
	t.Helper()
	store := repo.NewMemoryRepo()
	require.NoError(t, store.Create(context.Background(), &entity.Entry{
		ID: "1", Email: "ada@example.com", Position: 10, ReferralCode: "ADA1",
	}))
	return store
}

func TestService_Handle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewService(store, zap.NewNop().Sugar())

	out, err := svc.Handle(ctx, Payload{Event: EventSubscriberCreated, Subscriber: Subscriber{ID: "987", EmailAddress: "ADA@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = svc.Handle(ctx, Payload{Event: EventSubscriberUpdated, Subscriber: Subscriber{
		EmailAddress: "ada@example.com",
		Fields:       map[string]FlexString{"position": "3", "referral_count": "4", "email": "evil@example.com"},
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = svc.Handle(ctx, Payload{Event: EventTagAdd, Subscriber: Subscriber{EmailAddress: "ada@example.com"}, Tag: &Tag{Name: "beta"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = svc.Handle(ctx, Payload{Event: EventUnsubscribe, Subscriber: Subscriber{EmailAddress: "ada@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	e, _ := store.GetByEmail(ctx, "ada@example.com")
	require.NotNil(t, e.KitSubscriberID)
	assert.Equal(t, "987", *e.KitSubscriberID)
	assert.Equal(t, 3, e.Position)
	assert.Equal(t, 4, e.ReferralCount)
	assert.Equal(t, []string{"beta", UnsubscribedTag}, e.Tags)
	assert.Equal(t, "ADA1", e.ReferralCode)
}

func TestService_HandleSkips(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewService(store, zap.NewNop().Sugar())

	cases := []Payload{
		{Event: EventSubscriberCreated, Subscriber: Subscriber{ID: "1", EmailAddress: "ghost@example.com"}},
		{Event: EventSubscriberCreated, Subscriber: Subscriber{EmailAddress: "ada@example.com"}},
		{Event: EventSubscriberUpdated, Subscriber: Subscriber{EmailAddress: "ada@example.com", Fields: map[string]FlexString{"position": "0", "referral_count": "-1"}}},
		{Event: EventTagAdd, Subscriber: Subscriber{EmailAddress: "ada@example.com"}},
		{Event: "subscriber.bounced", Subscriber: Subscriber{EmailAddress: "ada@example.com"}},
		{Event: EventUnsubscribe},
	}
	for _, p := range cases {
		out, err := svc.Handle(ctx, p)
		require.NoError(t, err, p.Event)
		assert.Equal(t, OutcomeSkipped, out, p.Event)
	}

	e, _ := store.GetByEmail(ctx, "ada@example.com")
	assert.Equal(t, 10, e.Position)
	assert.Nil(t, e.KitSubscriberID)
	assert.Empty(t, e.Tags)
}

func newHandler(t *testing.T, cfg Config) (*Handler, *repo.MemoryRepo) {
	t.Helper()
	store := newStore(t)
	return NewHandler(NewService(store, zap.NewNop().Sugar()), cfg, zap.NewNop().Sugar(), events.Nop{}), store
}

func post(h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/kit", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)
	return rr
}

func TestHandler_SignedDeliveryIsIdempotent(t *testing.T) {
	h, store := newHandler(t, Config{Secret: secret, Production: true})
	body := `{"event":"subscriber.tag_add","subscriber":{"id":1,"email_address":"ada@example.com"},"tag":{"name":"vip"}}`
	headers := map[string]string{"x-kit-signature": Sign(secret, []byte(body))}

	for i := 0; i < 2; i++ {
		rr := post(h, body, headers)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true,"message":"Event subscriber.tag_add processed"}`, rr.Body.String())
	}

	e, _ := store.GetByEmail(context.Background(), "ada@example.com")
	assert.Equal(t, []string{"vip"}, e.Tags)
}

func TestHandler_LegacySignatureHeader(t *testing.T) {
	h, _ := newHandler(t, Config{Secret: secret, Production: true})
	body := `{"event":"subscriber.created","subscriber":{"id":"5","email_address":"ada@example.com"}}`
	rr := post(h, body, map[string]string{"x-convertkit-signature": Sign(secret, []byte(body))})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandler_UnknownSubscriberAcknowledged(t *testing.T) {
	h, _ := newHandler(t, Config{Secret: secret, Production: true})
	body := `{"event":"subscriber.created","subscriber":{"id":"5","email_address":"ghost@example.com"}}`
	rr := post(h, body, map[string]string{"x-kit-signature": Sign(secret, []byte(body))})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandler_ProductionRejectsBadSignatures(t *testing.T) {
	h, store := newHandler(t, Config{Secret: secret, Production: true})
	body := `{"event":"subscriber.tag_add","subscriber":{"email_address":"ada@example.com"},"tag":{"name":"vip"}}`

	rr := post(h, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = post(h, body, map[string]string{"x-kit-signature": Sign("wrong", []byte(body))})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	e, _ := store.GetByEmail(context.Background(), "ada@example.com")
	assert.Empty(t, e.Tags)
}

func TestHandler_ProductionWithoutSecret(t *testing.T) {
	h, _ := newHandler(t, Config{Production: true})
	rr := post(h, `{"event":"subscriber.created"}`, map[string]string{"x-kit-signature": "abc"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandler_DevelopmentAllowsUnsigned(t *testing.T) {
	h, _ := newHandler(t, Config{Secret: secret})
	body := `{"event":"subscriber.created","subscriber":{"id":"5","email_address":"ada@example.com"}}`

	rr := post(h, body, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = post(h, body, map[string]string{"x-kit-signature": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandler_MalformedJSON(t *testing.T) {
	h, _ := newHandler(t, Config{Secret: secret, Production: true})
	body := `{"event":`
	rr := post(h, body, map[string]string{"x-kit-signature": Sign(secret, []byte(body))})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "unexpected")
}
