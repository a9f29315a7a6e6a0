package placeflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Instance-level events
	EventProcessStarted     = "process_started"
	EventInstanceRestarted  = "instance_restarted"
	EventInstanceSuspended  = "instance_suspended"
	EventInstanceCompleted  = "instance_completed"
	EventInstanceFailed     = "instance_failed"
	EventInstanceUnlocked   = "instance_unlocked"
	EventGuardRenderFailed  = "guard_render_failed"
	EventTransitionLoopHalt = "transition_limit_reached"

	// Transition-level events
	EventTransitionApplied = "transition_applied"
	EventTransitionFailed  = "transition_failed"
	EventTransitionRouted  = "transition_routed"

	// Document events
	EventDocumentCreated = "document_created"
	EventDocumentUpdated = "document_updated"

	// Sub-workflow events
	EventSubWorkflowScheduled = "subworkflow_scheduled"
	EventSubWorkflowCompleted = "subworkflow_completed"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogProcessStarted logs when Process begins on an instance
func LogProcessStarted(logger zerolog.Logger, instanceID, templateID, place string) {
	logger.Info().
		Str("event", EventProcessStarted).
		Str("instance_id", instanceID).
		Str("template_id", templateID).
		Str("place", place).
		Msg("Process started")
}

// LogInstanceRestarted logs a restart caused by changed arguments
func LogInstanceRestarted(logger zerolog.Logger, instanceID, oldFingerprint, newFingerprint string) {
	logger.Info().
		Str("event", EventInstanceRestarted).
		Str("instance_id", instanceID).
		Str("old_fingerprint", oldFingerprint).
		Str("new_fingerprint", newFingerprint).
		Msg("Instance restarted with new arguments")
}

// LogTransitionApplied logs a successful transition
func LogTransitionApplied(logger zerolog.Logger, instanceID, transitionID, from, to string, duration time.Duration) {
	logger.Info().
		Str("event", EventTransitionApplied).
		Str("instance_id", instanceID).
		Str("transition_id", transitionID).
		Str("from", from).
		Str("to", to).
		Dur("duration", duration).
		Msg("Transition applied")
}

// LogTransitionFailed logs a transition whose calls failed
func LogTransitionFailed(logger zerolog.Logger, instanceID, transitionID string, err error) {
	logger.Error().
		Str("event", EventTransitionFailed).
		Str("instance_id", instanceID).
		Str("transition_id", transitionID).
		Err(err).
		Msg("Transition failed")
}

// LogTransitionRouted logs a failure routed to an onError place
func LogTransitionRouted(logger zerolog.Logger, instanceID, transitionID, onError string, err error) {
	logger.Warn().
		Str("event", EventTransitionRouted).
		Str("instance_id", instanceID).
		Str("transition_id", transitionID).
		Str("on_error", onError).
		Err(err).
		Msg("Transition failure routed")
}

// LogGuardRenderFailed logs a guard that could not be evaluated
func LogGuardRenderFailed(logger zerolog.Logger, instanceID, transitionID string, err error) {
	logger.Warn().
		Str("event", EventGuardRenderFailed).
		Str("instance_id", instanceID).
		Str("transition_id", transitionID).
		Err(err).
		Msg("Guard failed to render, treating as not satisfied")
}

// LogInstanceSuspended logs suspension on a manual transition
func LogInstanceSuspended(logger zerolog.Logger, instanceID, transitionID string) {
	logger.Info().
		Str("event", EventInstanceSuspended).
		Str("instance_id", instanceID).
		Str("transition_id", transitionID).
		Msg("Instance suspended awaiting payload")
}

// LogInstanceCompleted logs an instance that reached a halting place
func LogInstanceCompleted(logger zerolog.Logger, instanceID, place string, transitions int) {
	logger.Info().
		Str("event", EventInstanceCompleted).
		Str("instance_id", instanceID).
		Str("place", place).
		Int("transitions", transitions).
		Msg("Instance completed")
}

// LogInstanceFailed logs an instance halted with an error
func LogInstanceFailed(logger zerolog.Logger, instanceID string, err error) {
	logger.Error().
		Str("event", EventInstanceFailed).
		Str("instance_id", instanceID).
		Err(err).
		Msg("Instance failed")
}

// LogDocumentCreated logs a new document version
func LogDocumentCreated(logger zerolog.Logger, instanceID, messageID, documentID string, version int) {
	logger.Debug().
		Str("event", EventDocumentCreated).
		Str("instance_id", instanceID).
		Str("message_id", messageID).
		Str("document_id", documentID).
		Int("version", version).
		Msg("Document created")
}

// LogSubWorkflowScheduled logs a scheduled child
func LogSubWorkflowScheduled(logger zerolog.Logger, parentID, childID, templateID string) {
	logger.Info().
		Str("event", EventSubWorkflowScheduled).
		Str("parent_id", parentID).
		Str("child_id", childID).
		Str("template_id", templateID).
		Msg("Sub-workflow scheduled")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, instanceID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("instance_id", instanceID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// InstanceLogger creates a logger enriched with instance context
func InstanceLogger(baseLogger zerolog.Logger, instanceID, templateID, projectID string) zerolog.Logger {
	return baseLogger.With().
		Str("instance_id", instanceID).
		Str("template_id", templateID).
		Str("project_id", projectID).
		Logger()
}

// TransitionLogger creates a logger enriched with transition context
func TransitionLogger(instanceLogger zerolog.Logger, transitionID, step string, attempt int) zerolog.Logger {
	return instanceLogger.With().
		Str("transition_id", transitionID).
		Str("step", step).
		Int("attempt", attempt).
		Logger()
}
