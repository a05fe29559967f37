package resource

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/pagination"
	"github.com/labstack/echo/v4"
)

// Handler exposes the generic FHIR type/id endpoints backed by a Store.
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the generic endpoints. Static routes such as
// /Subscription registered on the same group take precedence.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.GET("/:type/:id", h.Read)

	write := fhirGroup.Group("", auth.RequireRole(auth.RoleSubscriber))
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
}

func errorOutcome(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(c.Param("type"), c.Param("id")))
	case errors.Is(err, ErrUnsupportedType):
		return c.JSON(http.StatusNotFound, fhir.NotSupportedOutcome(err.Error()))
	case errors.Is(err, ErrInvalidResource), errors.Is(err, fhir.ErrInvalidCriteria):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

func fhirJSON(c echo.Context, status int, raw json.RawMessage) error {
	return c.Blob(status, "application/fhir+json", raw)
}

func (h *Handler) Create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	rt := c.Param("type")
	raw, err := h.store.Create(c.Request().Context(), rt, body)
	if err != nil {
		return errorOutcome(c, err)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &created)
	c.Response().Header().Set("Location", "/fhir/"+rt+"/"+created.ID)
	return fhirJSON(c, http.StatusCreated, raw)
}

func (h *Handler) Read(c echo.Context) error {
	raw, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return fhirJSON(c, http.StatusOK, raw)
}

func (h *Handler) Update(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	raw, created, err := h.store.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body)
	if err != nil {
		return errorOutcome(c, err)
	}
	if created {
		return fhirJSON(c, http.StatusCreated, raw)
	}
	return fhirJSON(c, http.StatusOK, raw)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return errorOutcome(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	rt := c.Param("type")

	filters := url.Values{}
	for name, values := range c.QueryParams() {
		switch name {
		case "_count", "_offset", "limit", "offset":
			continue
		}
		filters[name] = values
	}

	items, total, err := h.store.Search(c.Request().Context(), rt, filters, pg.Limit, pg.Offset)
	if err != nil {
		return errorOutcome(c, err)
	}
	resources := make([]interface{}, len(items))
	for i, raw := range items {
		resources[i] = raw
	}
	base := "/fhir/" + rt
	bundle := fhir.NewSearchBundle(resources, total, base)
	bundle.Link = bundle.Link[:0]
	for _, l := range pg.FHIRLinks(base, c.QueryParams(), total) {
		bundle.Link = append(bundle.Link, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}
