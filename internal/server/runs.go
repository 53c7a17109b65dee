package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/policy"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
	"github.com/mohammad-safakhou/stepwise/internal/store"
)

// RunnerAPI is what the runs handler needs from the runner.
type RunnerAPI interface {
	Start(query string) *runner.Session
	Lookup(id string) (*runner.Session, bool)
	GuardReport(id string) (policy.Report, bool)
}

type RunsHandler struct {
	Runner RunnerAPI
	Memory memory.Store
	Store  *store.Store
	Logger *log.Logger
}

func NewRunsHandler(r RunnerAPI, mem memory.Store, st *store.Store) *RunsHandler {
	return &RunsHandler{
		Runner: r,
		Memory: mem,
		Store:  st,
		Logger: log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/steps", h.steps)
	g.GET("/:id/report", h.report)
}

func (h *RunsHandler) create(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	sess := h.Runner.Start(req.Query)
	h.Logger.Printf("session %s accepted", sess.ID)
	return c.JSON(http.StatusAccepted, sess)
}

func (h *RunsHandler) get(c echo.Context) error {
	id := c.Param("id")
	if sess, ok := h.Runner.Lookup(id); ok {
		return c.JSON(http.StatusOK, sess)
	}
	if h.Store != nil {
		row, err := h.Store.GetSession(c.Request().Context(), id)
		if err == nil {
			return c.JSON(http.StatusOK, row)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "session not found")
}

func (h *RunsHandler) list(c echo.Context) error {
	if h.Store == nil {
		return c.JSON(http.StatusOK, []store.SessionRow{})
	}
	rows, err := h.Store.ListSessions(c.Request().Context(), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []store.SessionRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *RunsHandler) steps(c echo.Context) error {
	id := c.Param("id")
	records, err := h.Memory.Read(c.Request().Context(), id)
	if err == nil {
		return c.JSON(http.StatusOK, records)
	}
	if !errors.Is(err, memory.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Store != nil {
		rows, serr := h.Store.ListStepRecords(c.Request().Context(), id)
		if serr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
		}
		if len(rows) > 0 {
			return c.JSON(http.StatusOK, rows)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "session not found")
}

func (h *RunsHandler) report(c echo.Context) error {
	id := c.Param("id")
	report, ok := h.Runner.GuardReport(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, report)
}
