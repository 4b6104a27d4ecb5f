package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/engine"
	"github.com/ehr/subscriptions/internal/subscription"
	"github.com/ehr/subscriptions/internal/topic"
)

func newTestHandler(t *testing.T) (*Handler, *engine.Engine) {
	t.Helper()
	tenants := engine.NewTenantRegistry(engine.DefaultConfig(), nil, zerolog.Nop())
	e := tenants.Provision(context.Background(), engine.TenantConfig{ID: "acme"})
	e.Topics.Register(&topic.Topic{
		URL:    "http://example.org/SubscriptionTopic/encounter-start",
		Status: "active",
		Triggers: []topic.Trigger{
			{ResourceType: "Encounter", Interactions: []topic.Interaction{"create"}},
		},
	})
	return NewHandler(tenants), e
}

func newEchoContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateAndReadResource(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newEchoContext(http.MethodPost, "/acme/Encounter", `{"id":"e1","resourceType":"Encounter","status":"planned"}`)
	c.SetParamNames("tenant", "resourceType")
	c.SetParamValues("acme", "Encounter")
	if err := h.create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	c2, rec2 := newEchoContext(http.MethodGet, "/acme/Encounter/e1", "")
	c2.SetParamNames("tenant", "resourceType", "id")
	c2.SetParamValues("acme", "Encounter", "e1")
	if err := h.read(c2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}

func TestHandler_CreateResourceWithoutIDFails(t *testing.T) {
	h, _ := newTestHandler(t)

	c, _ := newEchoContext(http.MethodPost, "/acme/Encounter", `{"resourceType":"Encounter"}`)
	c.SetParamNames("tenant", "resourceType")
	c.SetParamValues("acme", "Encounter")
	err := h.create(c)
	if err == nil {
		t.Fatalf("expected an error for a resource body without an id")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected a 400 echo.HTTPError, got %v", err)
	}
}

func TestHandler_ReadUnknownResourceReturns404(t *testing.T) {
	h, _ := newTestHandler(t)

	c, _ := newEchoContext(http.MethodGet, "/acme/Encounter/missing", "")
	c.SetParamNames("tenant", "resourceType", "id")
	c.SetParamValues("acme", "Encounter", "missing")
	err := h.read(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected a 404 echo.HTTPError, got %v", err)
	}
}

func TestHandler_UnknownTenantReturns404(t *testing.T) {
	h, _ := newTestHandler(t)

	c, _ := newEchoContext(http.MethodGet, "/ghost/Encounter/e1", "")
	c.SetParamNames("tenant", "resourceType", "id")
	c.SetParamValues("ghost", "Encounter", "e1")
	err := h.read(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected a 404 echo.HTTPError for an unprovisioned tenant, got %v", err)
	}
}

func TestHandler_CreateSubscriptionValidatesTopicAndVerifiesNonRestHookInline(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"topicUrl":"http://example.org/SubscriptionTopic/encounter-start","channel":{"code":"chat-message"}}`
	c, rec := newEchoContext(http.MethodPost, "/acme/Subscription", body)
	c.SetParamNames("tenant", "resourceType")
	c.SetParamValues("acme", "Subscription")
	if err := h.create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"active"`) {
		t.Fatalf("expected a non-rest-hook channel to verify synchronously, got body %s", rec.Body.String())
	}
}

func TestHandler_CreateSubscriptionWithUnregisteredTopicFails(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"topicUrl":"http://example.org/SubscriptionTopic/does-not-exist","channel":{"code":"chat-message"}}`
	c, _ := newEchoContext(http.MethodPost, "/acme/Subscription", body)
	c.SetParamNames("tenant", "resourceType")
	c.SetParamValues("acme", "Subscription")
	err := h.create(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected a 400 echo.HTTPError for an unregistered topic, got %v", err)
	}
}

func TestHandler_StatusReportsSubscriptionState(t *testing.T) {
	h, e := newTestHandler(t)
	sub := e.Subscriptions.Create(subscription.Definition{
		TopicURL: "http://example.org/SubscriptionTopic/encounter-start",
		Channel:  subscription.Channel{Code: "chat-message"},
	})

	c, rec := newEchoContext(http.MethodGet, "/acme/Subscription/"+sub.ID+"/$status", "")
	c.SetParamNames("tenant", "id")
	c.SetParamValues("acme", sub.ID)
	if err := h.status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"resourceType":"SubscriptionStatus"`) {
		t.Fatalf("expected a SubscriptionStatus body, got %s", rec.Body.String())
	}
}
