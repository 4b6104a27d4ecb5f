// Package httpapi is the inbound API surface: a record-oriented CRUD surface
// per tenant, plus the two engine-specific operations ($status, $events)
// against the multi-tenant, in-memory Store and Subscription Registry.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/subscriptions/internal/engine"
	"github.com/ehr/subscriptions/internal/subscription"
)

// Handler serves the record CRUD surface and the engine-specific
// Subscription operations, resolving each request's tenant engine from the
// TenantRegistry.
type Handler struct {
	tenants *engine.TenantRegistry
}

// NewHandler creates a Handler bound to tenants.
func NewHandler(tenants *engine.TenantRegistry) *Handler {
	return &Handler{tenants: tenants}
}

// RegisterRoutes mounts the API on g, whose path already carries the server
// root (e.g. an echo.Group rooted at "/").
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:tenant/Subscription/:id/$status", h.status)
	g.GET("/:tenant/Subscription/:id/$events", h.events)

	g.GET("/:tenant/:resourceType", h.list)
	g.POST("/:tenant/:resourceType", h.create)
	g.GET("/:tenant/:resourceType/:id", h.read)
	g.PUT("/:tenant/:resourceType/:id", h.update)
	g.DELETE("/:tenant/:resourceType/:id", h.delete)
}

func (h *Handler) engineFor(c echo.Context) (*engine.Engine, error) {
	tenantID := c.Param("tenant")
	e, ok := h.tenants.Get(tenantID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown tenant %q", tenantID))
	}
	return e, nil
}

// create handles POST /{tenant}/{resourceType}. Subscription creation runs
// the registration validation; every other resource type is accepted into
// the Store as a bare create.
func (h *Handler) create(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	resourceType := c.Param("resourceType")

	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if resourceType == "Subscription" {
		return h.createSubscription(c, e, body)
	}

	id, err := extractID(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := e.Store.Create(c.Request().Context(), resourceType, id, body); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSONBlob(http.StatusCreated, body)
}

func (h *Handler) createSubscription(c echo.Context, e *engine.Engine, body []byte) error {
	var def subscription.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subscription body: "+err.Error())
	}
	if err := validateSubscription(e, def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub := e.Subscriptions.Create(def)

	if def.Channel.Code == "rest-hook" {
		result := e.VerifyHandshake(c.Request().Context(), sub)
		if result == engine.DeliverOK {
			sub.MarkVerified(time.Now())
		} else {
			sub.SetVerificationDeadline(time.Now().Add(e.HandshakeTimeout()))
		}
	} else {
		sub.MarkVerified(time.Now())
	}

	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) read(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	resourceType, id := c.Param("resourceType"), c.Param("id")
	if resourceType == "Subscription" {
		sub, ok := e.Subscriptions.Get(id)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return c.JSON(http.StatusOK, sub)
	}
	body, ok := e.Store.Get(resourceType, id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (h *Handler) update(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	resourceType, id := c.Param("resourceType"), c.Param("id")

	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if resourceType == "Subscription" {
		var def subscription.Definition
		if err := json.Unmarshal(body, &def); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid subscription body: "+err.Error())
		}
		if err := validateSubscription(e, def); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		sub, err := e.Subscriptions.Update(id, def)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return c.JSON(http.StatusOK, sub)
	}

	if err := e.Store.Update(c.Request().Context(), resourceType, id, body); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (h *Handler) delete(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	resourceType, id := c.Param("resourceType"), c.Param("id")
	if resourceType == "Subscription" {
		if _, ok := e.DeleteSubscription(id); !ok {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return c.NoContent(http.StatusNoContent)
	}
	if err := e.Store.Delete(c.Request().Context(), resourceType, id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// list is a minimal collection endpoint: the Store and Subscription Registry
// hold process-memory state only, so there is no query-parameter search
// grammar to implement here beyond returning everything of the
// resourceType.
func (h *Handler) list(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	if c.Param("resourceType") == "Subscription" {
		return c.JSON(http.StatusOK, e.Subscriptions.All())
	}
	return echo.NewHTTPError(http.StatusNotImplemented, "collection search is not implemented for non-Subscription resource types")
}

// status implements GET /{tenant}/Subscription/{id}/$status.
func (h *Handler) status(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	sub, ok := e.Subscriptions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	}
	snap := sub.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"status":                       string(snap.State),
		"type":                         "query-status",
		"subscription":                 "Subscription/" + sub.ID,
		"errorCount":                   snap.ErrorCount,
		"lastCommunication":            snap.LastCommunication,
		"eventsSinceSubscriptionStart": fmt.Sprintf("%d", sub.EventCount()),
	})
}

// events implements GET /{tenant}/Subscription/{id}/$events.
func (h *Handler) events(c echo.Context) error {
	e, err := h.engineFor(c)
	if err != nil {
		return err
	}
	sub, ok := e.Subscriptions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	}

	content := subscription.ContentLevel(c.QueryParam("content"))
	if content == "" {
		content = sub.Def.Channel.ContentLevel
	}
	since, err := parseEventNumber(c.QueryParam("eventsSinceNumber"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid eventsSinceNumber")
	}
	until, err := parseEventNumber(c.QueryParam("eventsUntilNumber"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid eventsUntilNumber")
	}

	events := sub.Events(since, until)
	body, err := engine.BuildStatusQueryBundle(sub, events, content, e.Store)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, body)
}

func parseEventNumber(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func readBody(c echo.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := c.Bind(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func extractID(body []byte) (string, error) {
	var withID struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &withID); err != nil {
		return "", err
	}
	if withID.ID == "" {
		return "", fmt.Errorf("resource body must carry a non-empty \"id\"")
	}
	return withID.ID, nil
}
