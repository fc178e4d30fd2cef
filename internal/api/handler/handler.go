package handler

import (
	"log/slog"
	"time"

	"github.com/mleenorris/ComicMaintainer-sub000/internal/events"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/jobs"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Manager *jobs.Manager
	Events  *events.Broadcaster

	// Process is the per-item work function used for every created job
	Process jobs.ProcessFunc

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	manager *jobs.Manager
	process jobs.ProcessFunc
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		manager: deps.Manager,
		process: deps.Process,
	}
}

// EventHandler handles the event streaming endpoint
type EventHandler struct {
	logger            *slog.Logger
	events            *events.Broadcaster
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger:            deps.Logger,
		events:            deps.Events,
		heartbeatInterval: deps.HeartbeatInterval,
		idleTimeout:       deps.IdleTimeout,
	}
}
