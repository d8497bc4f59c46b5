package results

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labcore/labcore/internal/domain/orders"
	"github.com/labcore/labcore/internal/platform/db"
	"github.com/labcore/labcore/pkg/pagination"
)

type Handler struct {
	svc        *Service
	defaultLab string
}

func NewHandler(svc *Service, defaultLab string) *Handler {
	return &Handler{svc: svc, defaultLab: defaultLab}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders/:id/results", h.Submit)
	api.GET("/orders/:id/results", h.ListByOrder)
	api.GET("/results/:id", h.Get)
	api.GET("/verification/queue", h.Queue)
	api.POST("/results/:id/verify", h.VerifyAnalyte)
	api.POST("/verification/tests", h.VerifyTest)
	api.POST("/verification/bulk", h.BulkVerify)
}

type submitRequest struct {
	TestName string       `json:"test_name"`
	Values   []ValueInput `json:"values"`
}

func (h *Handler) Submit(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.SubmitResult(c.Request().Context(), orderID, req.TestName, req.Values)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, res)
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

func (h *Handler) Queue(c echo.Context) error {
	lab := c.QueryParam("lab")
	if lab == "" {
		lab = h.defaultLab
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Queue(c.Request().Context(), lab, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type verifyRequest struct {
	Action  Action `json:"action"`
	Comment string `json:"comment"`
}

func (h *Handler) VerifyAnalyte(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.VerifyAnalyte(c.Request().Context(), id, req.Action, req.Comment)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type verifyTestRequest struct {
	OrderID  uuid.UUID `json:"order_id"`
	TestName string    `json:"test_name"`
	Action   Action    `json:"action"`
	Comment  string    `json:"comment"`
}

func (h *Handler) VerifyTest(c echo.Context) error {
	var req verifyTestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	outcome, err := h.svc.VerifyTest(c.Request().Context(), req.OrderID, req.TestName, req.Action, req.Comment)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

type bulkVerifyRequest struct {
	ResultIDs []uuid.UUID `json:"result_ids"`
	Action    Action      `json:"action"`
	Comment   string      `json:"comment"`
}

func (h *Handler) BulkVerify(c echo.Context) error {
	var req bulkVerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	outcome, err := h.svc.BulkVerify(c.Request().Context(), req.ResultIDs, req.Action, req.Comment)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

func writeError(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		return echo.NewHTTPError(http.StatusConflict, "result already finalized, refresh and retry")
	case errors.Is(err, ErrEmptySelection):
		return echo.NewHTTPError(http.StatusBadRequest, "selection is empty")
	case errors.Is(err, ErrCommentRequired):
		return echo.NewHTTPError(http.StatusBadRequest, "a comment is required for this action")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	case errors.Is(err, orders.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, db.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "order was modified concurrently, retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
