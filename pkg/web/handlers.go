package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/hub"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id"`
}

// handleState returns the committed state
func (s *Server) handleState(c *fiber.Ctx) error {
	snap := s.engine.DebugSnapshot()
	return c.JSON(StateResponse{
		State:     s.engine.CurrentState().String(),
		SessionID: snap.SessionID,
	})
}

// handleDebug returns the full debug snapshot
func (s *Server) handleDebug(c *fiber.Ctx) error {
	return c.JSON(s.engine.DebugSnapshot())
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	return c.JSON(s.engine.Summary())
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"events": s.engine.Events()})
}

// CalibrationRequest is the body of POST /api/calibration.
type CalibrationRequest struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// handleStartCalibration begins a calibration run. An empty body uses the
// default duration.
func (s *Server) handleStartCalibration(c *fiber.Ctx) error {
	var req CalibrationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	runID, err := s.engine.StartCalibration(req.DurationSeconds)
	switch {
	case errors.Is(err, calibration.ErrInvalidDuration):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, attention.ErrStopped):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.logger.Info("calibration started", "run_id", runID, "duration_seconds", req.DurationSeconds)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": runID})
}

func (s *Server) handleResetCalibration(c *fiber.Ctx) error {
	if err := s.engine.ResetCalibration(c.UserContext()); err != nil {
		// The default profile is active even when the store failed.
		s.logger.Warn("calibration reset not persisted", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleResetSession(c *fiber.Ctx) error {
	s.engine.ResetSession()
	return c.JSON(fiber.Map{"session_id": s.engine.DebugSnapshot().SessionID})
}

// WordRequest is the body of PUT /api/session/word.
type WordRequest struct {
	Word      string `json:"word"`
	WordIndex int    `json:"word_index"`
}

// handleSetWord sets the content position attached to later triggers
func (s *Server) handleSetWord(c *fiber.Ctx) error {
	var req WordRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	s.engine.SetCurrentWord(strings.TrimSpace(req.Word), req.WordIndex)
	return c.SendStatus(fiber.StatusNoContent)
}

// handleDebugWS streams snapshots and notifications to one client
func (s *Server) handleDebugWS(c *websocket.Conn) {
	client, ok := hub.NewClient(s.debugHub, c)
	if !ok {
		return
	}
	client.Run()
}
