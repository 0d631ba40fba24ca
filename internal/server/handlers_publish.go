package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livefeed/internal/domain"
	apperrors "github.com/pscheid92/livefeed/internal/errors"
)

type publishRequest struct {
	Kind       string          `json:"kind"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	TargetUser string          `json:"targetUser"`
	Direct     bool            `json:"direct"`
}

// handlePublish accepts one update. Queued updates answer 202, direct ones 200.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}

	action, err := domain.ParseAction(req.Action)
	if err != nil {
		return apperrors.ValidationError(err.Error()).WithContext("action", req.Action)
	}

	kind := domain.Kind(req.Kind)
	var env domain.Envelope
	status := http.StatusAccepted
	if req.Direct {
		env, err = s.publisher.PublishDirect(req.TargetUser, kind, action, req.Payload)
		status = http.StatusOK
	} else {
		env, err = s.publisher.Publish(kind, action, req.Payload, req.TargetUser)
	}
	if err != nil {
		return publishError(err, req)
	}

	if err := c.JSON(status, env); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func publishError(err error, req publishRequest) error {
	switch {
	case errors.Is(err, domain.ErrEmptyKind),
		errors.Is(err, domain.ErrEmptyTarget),
		errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, domain.ErrInvalidPayload):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, domain.ErrQueueOverflow):
		return apperrors.QueueOverflow("dispatch queue is full, retry later", err).
			WithContext("target_user", req.TargetUser)
	case errors.Is(err, domain.ErrHubStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	default:
		return apperrors.InternalError("failed to publish update", err)
	}
}
