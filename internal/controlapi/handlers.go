package controlapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/ids"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// handleEnumerateRuns answers GET /runs/:collection, optionally filtered by
// a ?status= query param, matching the control surface's "enumerate runs"
// operation (spec.md section 6).
func (s *Server) handleEnumerateRuns(c echo.Context) error {
	collection := c.Param("collection")
	var filters []store.Filter
	if status := c.QueryParam("status"); status != "" {
		filters = append(filters, store.Filter{Field: "status", Op: store.OpEq, Value: status})
	}
	recs, err := s.store.List(c.Request().Context(), collection, filters...)
	if err != nil {
		return s.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, recs)
}

// handleGetRun answers GET /runs/:collection/:id.
func (s *Server) handleGetRun(c echo.Context) error {
	collection, id := c.Param("collection"), c.Param("id")
	rec, ok, err := s.store.Get(c.Request().Context(), collection, id)
	if err != nil {
		return s.jsonError(c, err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// handleActivateDraft answers POST /runs/:collection/:id/activate, the
// user-approved promotion of a Draft run to Pending (spec.md section 3:
// "Draft exists only for kind=plan; user-approved promotion moves it to
// Pending"). Admission itself happens on the Supervisor's next poll or
// Store change notification, same as any other Pending run.
func (s *Server) handleActivateDraft(c echo.Context) error {
	collection, id := c.Param("collection"), c.Param("id")
	run, err := s.getRun(c, collection, id)
	if err != nil {
		return s.jsonError(c, err)
	}
	if run.Status != model.StatusDraft {
		return echo.NewHTTPError(http.StatusConflict, "run is not in draft status")
	}
	run.Status = model.StatusPending
	run.UpdatedAtMsV = time.Now().UnixMilli()
	if err := s.store.Update(c.Request().Context(), collection, run); err != nil {
		return s.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// handleStartDraft answers POST /runs/:collection/:id/start. Open Question
// resolution: the control surface's activate-draft and start-draft
// operations collapse to the same handler here, since the Supervisor's
// admission loop wakes on the Store's change feed (store.Subscribe) the
// moment Update fires below, not just on its PollInterval fallback — there
// is no separate "activated but not yet admitted" state to distinguish.
func (s *Server) handleStartDraft(c echo.Context) error {
	return s.handleActivateDraft(c)
}

func (s *Server) handlePause(c echo.Context) error {
	id := c.Param("id")
	if err := s.sup.PauseRun(c.Request().Context(), id); err != nil {
		return s.jsonError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleResume(c echo.Context) error {
	id := c.Param("id")
	if err := s.sup.ResumeRun(c.Request().Context(), id); err != nil {
		return s.jsonError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleStop(c echo.Context) error {
	id := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "stopped via control surface"
	}
	s.sup.StopRun(id, body.Reason)
	return c.NoContent(http.StatusAccepted)
}

// handleCreatePlan answers POST /plans, matching the control surface's
// create-plan(title, content) -> id operation. The plan is created Draft so
// it surfaces in the UI for approval before admission ever sees it.
func (s *Server) handleCreatePlan(c echo.Context) error {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	id := ids.New("plan", body.Title)
	contentPath := filepath.Join(s.cfg.ContentDir, id+".md")
	if err := os.MkdirAll(s.cfg.ContentDir, 0o755); err != nil {
		return s.jsonError(c, err)
	}
	if err := os.WriteFile(contentPath, []byte(body.Content), 0o644); err != nil {
		return s.jsonError(c, err)
	}

	run := &model.Run{
		ID:          id,
		Kind:        model.KindPlan,
		Title:       body.Title,
		Status:      model.StatusDraft,
		ContentMode: model.ContentAuthored,
		ContentPath: contentPath,
	}
	if _, err := s.store.Create(c.Request().Context(), "plans", run); err != nil {
		return s.jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getRun(c echo.Context, collection, id string) (*model.Run, error) {
	rec, ok, err := s.store.Get(c.Request().Context(), collection, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, daemonerr.ErrDepNotFound
	}
	return rec.(*model.Run), nil
}

// jsonError maps an internal error to the control surface's structured
// error contract (spec.md section 6: "Returns structured errors including
// GitRequired{reason, options} for the simple-mode upgrade dialog").
func (s *Server) jsonError(c echo.Context, err error) error {
	var gitRequired *daemonerr.GitRequired
	if errors.As(err, &gitRequired) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":   "git_required",
			"reason":  gitRequired.Reason,
			"options": gitRequired.Options,
		})
	}
	if errors.Is(err, daemonerr.ErrDepNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.log.WithError(err).Warn("controlapi: request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
