package orders

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders", h.Create)
	api.GET("/orders", h.Search)
	api.GET("/orders/:id", h.Get)
	api.GET("/orders/accession/:accession", h.GetByAccession)
	api.POST("/orders/:id/collect-sample", h.CollectSample)
	api.POST("/orders/:id/status", h.ChangeStatus)
	api.GET("/patients/:id/orders", h.ListByPatient)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	o, err := h.engine.CreateOrder(c.Request().Context(), in)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetByAccession(c echo.Context) error {
	o, err := h.engine.GetByAccession(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Search(c echo.Context) error {
	params := map[string]string{}
	for _, key := range []string{"patient", "status", "priority", "lab"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.ListByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.engine.CollectSample(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type changeStatusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req changeStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	o, err := h.engine.RequestTransition(c.Request().Context(), id, req.Status)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, o)
}

// writeError maps domain errors to HTTP. Guard failures surface as 422
// with the guard's reason so the client can show it verbatim.
func writeError(err error) error {
	var ite *InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ite.Reason)
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, db.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "order was modified concurrently, retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
