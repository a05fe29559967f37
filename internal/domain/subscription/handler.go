package subscription

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/pagination"
	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for Subscription management.
type Handler struct {
	svc *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the FHIR Subscription endpoints and the admin API.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/subscriptions", h.ListSubscriptions)
	admin.GET("/subscriptions/:id/notifications", h.ListNotifications)

	fhirGroup.GET("/Subscription", h.SearchSubscriptionsFHIR)
	fhirGroup.GET("/Subscription/:id", h.GetSubscriptionFHIR)

	fhirWrite := fhirGroup.Group("", auth.RequireRole(auth.RoleSubscriber))
	fhirWrite.POST("/Subscription", h.CreateSubscriptionFHIR)
	fhirWrite.PUT("/Subscription/:id", h.UpdateSubscriptionFHIR)
	fhirWrite.DELETE("/Subscription/:id", h.DeleteSubscriptionFHIR)
}

// searchParams collects the query parameters that filter results; paging
// parameters are left to pagination.FromContext.
func searchParams(c echo.Context) map[string]string {
	params := make(map[string]string)
	for name, values := range c.QueryParams() {
		switch name {
		case "_count", "_offset", "limit", "offset":
			continue
		}
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	return params
}

func errorOutcome(c echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", id))
	case errors.Is(err, ErrVersionConflict):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, ErrInvalidCriteria), errors.Is(err, ErrInvalidSubscription), errors.Is(err, ErrInvalidChannel):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

// ifMatchVersion parses an If-Match header of the form W/"3".
func ifMatchVersion(h string) (int, bool) {
	h = strings.TrimPrefix(strings.TrimSpace(h), "W/")
	v, err := strconv.Atoi(strings.Trim(h, `"`))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func readSubscription(c echo.Context) (*Subscription, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	return FromFHIR(body)
}

// -- FHIR handlers --

func (h *Handler) SearchSubscriptionsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), searchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total, "/fhir/Subscription")
	bundle.Link = bundle.Link[:0]
	for _, l := range pg.FHIRLinks("/fhir/Subscription", c.QueryParams(), total) {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	id := c.Param("id")
	sub, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return errorOutcome(c, id, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	sub, err := readSubscription(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	// The server assigns ids on create.
	sub.FHIRID = ""
	created, err := h.svc.Register(c.Request().Context(), sub)
	if err != nil {
		return errorOutcome(c, "", err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+created.FHIRID)
	return c.JSON(http.StatusCreated, created.ToFHIR())
}

func (h *Handler) UpdateSubscriptionFHIR(c echo.Context) error {
	id := c.Param("id")
	sub, err := readSubscription(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if sub.FHIRID != "" && sub.FHIRID != id {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resource id "+sub.FHIRID+" does not match URL id "+id))
	}
	sub.FHIRID = id
	sub.VersionID, _ = ifMatchVersion(c.Request().Header.Get("If-Match"))
	updated, err := h.svc.Update(c.Request().Context(), sub)
	if err != nil {
		return errorOutcome(c, id, err)
	}
	return c.JSON(http.StatusOK, updated.ToFHIR())
}

func (h *Handler) DeleteSubscriptionFHIR(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return errorOutcome(c, id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Admin handlers --

func (h *Handler) ListSubscriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), searchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListNotifications(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListNotifications(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
