// Package server exposes the engine over HTTP with fiber.
package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/queue"
)

// Engine is the part of engine.Engine the handlers use
type Engine interface {
	Process(ctx context.Context, req placeflow.ProcessRequest) (*placeflow.RunResult, error)
	Unlock(ctx context.Context, instanceID string, tmpl *placeflow.WorkflowTemplate) (*placeflow.RunResult, error)
	GetInstance(ctx context.Context, id string) (*placeflow.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter placeflow.InstanceFilter) ([]*placeflow.WorkflowInstance, error)
}

// Continuation resumes parents once a child instance has finished
type Continuation interface {
	AfterRun(ctx context.Context, instanceID string) error
}

// Config wires the handlers
type Config struct {
	Engine    Engine
	Templates placeflow.TemplateSource

	// Optional. When set, payloads can be queued with ?async=true.
	Queue queue.Queue
	// Optional. Resumes parents after synchronous runs.
	Continuation Continuation
	// Optional. Served at GET /metrics.
	Gatherer prometheus.Gatherer

	Logger zerolog.Logger
}

// Server holds the fiber app and its dependencies
type Server struct {
	cfg Config
	app *fiber.App
}

// New creates the fiber app and registers all routes
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		app: fiber.New(fiber.Config{
			AppName:      "placeflow",
			ErrorHandler: errorHandler(cfg.Logger),
		}),
	}
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "placeflow"})
	})

	if s.cfg.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.app.Group("/api/v1")

	v1.Post("/templates/:templateId/instances", s.handleProcess)

	instances := v1.Group("/instances")
	instances.Get("/", s.handleList)
	instances.Get("/:id", s.handleGet)
	instances.Post("/:id/payload", s.handlePayload)
	instances.Post("/:id/unlock", s.handleUnlock)
}

// ProcessBody is the body of POST /templates/:templateId/instances
type ProcessBody struct {
	Args       map[string]any `json:"args"`
	ProjectID  string         `json:"projectId"`
	InstanceID string         `json:"instanceId"`
}

// PayloadBody is the body of POST /instances/:id/payload
type PayloadBody struct {
	TransitionID string         `json:"transitionId"`
	Payload      map[string]any `json:"payload"`
}

func (s *Server) handleProcess(c fiber.Ctx) error {
	var body ProcessBody
	if err := c.Bind().JSON(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	tmpl, err := s.cfg.Templates.Template(c.Params("templateId"))
	if err != nil {
		return err
	}

	res, err := s.cfg.Engine.Process(c.Context(), placeflow.NewProcessRequest(tmpl, body.Args,
		placeflow.WithProjectID(body.ProjectID),
		placeflow.WithInstanceID(body.InstanceID),
	))
	if err != nil {
		return err
	}
	s.continueAfter(c.Context(), res.InstanceID)
	return c.JSON(res)
}

func (s *Server) handleGet(c fiber.Ctx) error {
	inst, err := s.cfg.Engine.GetInstance(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(inst)
}

func (s *Server) handleList(c fiber.Ctx) error {
	filter := placeflow.InstanceFilter{
		TemplateID: c.Query("template"),
		ProjectID:  c.Query("project"),
		ParentID:   c.Query("parent"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}

	list, err := s.cfg.Engine.ListInstances(c.Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"instances": list, "count": len(list)})
}

func (s *Server) handlePayload(c fiber.Ctx) error {
	id := c.Params("id")

	var body PayloadBody
	if err := c.Bind().JSON(&body); err != nil || body.TransitionID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "transitionId is required")
	}
	payload := &placeflow.TransitionPayload{
		TransitionID:       body.TransitionID,
		WorkflowInstanceID: id,
		Payload:            body.Payload,
	}

	if s.cfg.Queue != nil && c.Query("async") == "true" {
		task := queue.Task{
			ID:         uuid.NewString(),
			Type:       queue.TaskResumeInstance,
			InstanceID: id,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := s.cfg.Queue.Enqueue(c.Context(), task); err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"instanceId": id, "status": "queued"})
	}

	inst, err := s.cfg.Engine.GetInstance(c.Context(), id)
	if err != nil {
		return err
	}
	res, err := s.cfg.Engine.Process(c.Context(), placeflow.ProcessRequest{
		InstanceID:      id,
		Args:            inst.Arguments,
		ParentArguments: inst.ParentArguments,
		ProjectID:       inst.ProjectID,
		Payload:         payload,
	})
	if err != nil {
		return err
	}
	s.continueAfter(c.Context(), id)
	return c.JSON(res)
}

func (s *Server) handleUnlock(c fiber.Ctx) error {
	id := c.Params("id")
	res, err := s.cfg.Engine.Unlock(c.Context(), id, nil)
	if err != nil {
		return err
	}
	s.continueAfter(c.Context(), id)
	return c.JSON(res)
}

// continueAfter resumes the parent of a finished child. Failures are logged;
// the run itself already succeeded.
func (s *Server) continueAfter(ctx context.Context, instanceID string) {
	if s.cfg.Continuation == nil {
		return
	}
	if err := s.cfg.Continuation.AfterRun(ctx, instanceID); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to resume parent")
	}
}

// errorHandler maps workflow error codes to HTTP statuses
func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		werr := placeflow.ToWorkflowError(err)
		status := StatusFor(werr.Code)
		if status >= fiber.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   werr.Message,
			"code":    werr.Code,
			"details": werr.Details,
		})
	}
}

// StatusFor returns the HTTP status for a workflow error code
func StatusFor(code string) int {
	switch code {
	case placeflow.ErrCodeNotFound:
		return fiber.StatusNotFound
	case placeflow.ErrCodeValidation, placeflow.ErrCodeSchemaValidation, placeflow.ErrCodeExpression:
		return fiber.StatusBadRequest
	case placeflow.ErrCodeStateConflict:
		return fiber.StatusConflict
	case placeflow.ErrCodeDependency:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
