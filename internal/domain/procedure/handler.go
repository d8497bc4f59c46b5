package procedure

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/internal/platform/extraction"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/workflows", h.CreateDefinition)
	api.GET("/workflows", h.ListDefinitions)
	api.POST("/orders/:id/workflows/:defID/instances", h.StartInstance)
	api.GET("/orders/:id/workflow-instances", h.ListByOrder)
	api.GET("/workflow-instances/:id", h.GetInstance)
	api.POST("/workflow-instances/:id/advance", h.Advance)
}

type createDefinitionRequest struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

func (h *Handler) CreateDefinition(c echo.Context) error {
	var req createDefinitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d, err := h.svc.CreateDefinition(c.Request().Context(), req.Key, req.Name, req.Steps)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDefinitions(c echo.Context) error {
	items, err := h.svc.ListDefinitions(c.Request().Context())
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) StartInstance(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	defID, err := uuid.Parse(c.Param("defID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid definition id")
	}
	inst, err := h.svc.StartInstance(c.Request().Context(), orderID, defID)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (h *Handler) GetInstance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	inst, err := h.svc.GetInstance(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) ListByOrder(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	items, err := h.svc.ListByOrder(c.Request().Context(), orderID)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type advanceRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) Advance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	inst, err := h.svc.Advance(c.Request().Context(), id, req.Payload)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func writeError(err error) error {
	var ee *extraction.Error
	switch {
	case errors.Is(err, ErrDefinitionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow definition not found")
	case errors.Is(err, ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow instance not found")
	case errors.Is(err, orders.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.As(err, &ee):
		if ee.Transient {
			return echo.NewHTTPError(http.StatusBadGateway, "extraction provider unavailable, retry the step")
		}
		return echo.NewHTTPError(http.StatusBadGateway, ee.Error())
	case errors.Is(err, db.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "instance was modified concurrently, refresh and retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
