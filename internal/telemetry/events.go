package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of operational event
type EventType string

const (
	EventTypePhaseChanged      EventType = "phase_changed"
	EventTypeMetricsUpdated    EventType = "metrics_updated"
	EventTypeOverloadHandled   EventType = "overload_handled"
	EventTypeRecoveryCompleted EventType = "recovery_completed"
	EventTypeRequestQueued     EventType = "request_queued"
	EventTypeRequestProcessing EventType = "request_processing"
	EventTypeRequestCompleted  EventType = "request_completed"
	EventTypeRequestFailed     EventType = "request_failed"
	EventTypeRequestTimeout    EventType = "request_timeout"
	EventTypePrediction        EventType = "prediction_generated"
	EventTypeSpikePredicted    EventType = "spike_predicted"
	EventTypeSpikePrepComplete EventType = "spike_preparation_complete"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event represents a structured operational event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Service       string                 `json:"service,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// PhaseChangedDetails describes a phase transition
type PhaseChangedDetails struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Action string  `json:"action"`
	Factor float64 `json:"factor"`
	Reason string  `json:"reason"`
}

// OverloadDetails describes one overload-handling cycle
type OverloadDetails struct {
	Level           string   `json:"level"`
	Triggers        []string `json:"triggers,omitempty"`
	ActionsExecuted int      `json:"actions_executed"`
	ServicesReduced int      `json:"services_reduced"`
}

// RecoveryDetails describes a completed recovery cycle
type RecoveryDetails struct {
	Level            string `json:"level"`
	ActionsRolledBack int   `json:"actions_rolled_back"`
}

// RequestEventDetails describes a scheduler request lifecycle event
type RequestEventDetails struct {
	RequestID string `json:"request_id"`
	Priority  string `json:"priority"`
	Endpoint  string `json:"endpoint"`
	WaitMs    int64  `json:"wait_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PredictionDetails describes a generated forecast
type PredictionDetails struct {
	PredictedRate    float64 `json:"predicted_rate"`
	Confidence       float64 `json:"confidence"`
	SpikeProbability float64 `json:"spike_probability"`
	SpikeMagnitude   float64 `json:"spike_magnitude"`
	Actions          int     `json:"actions,omitempty"`
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter represents filters for querying events
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Service   string
	Type      EventType
	Severity  EventSeverity
	Limit     int
}

// NewEventEmitter creates a new event emitter. storage may be nil, in which
// case events are logged and traced but not persisted.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
	}
}

// EmitPhaseChanged emits a phase transition event
func (e *EventEmitter) EmitPhaseChanged(ctx context.Context, details PhaseChangedDetails) {
	severity := SeverityInfo
	switch details.To {
	case "critical":
		severity = SeverityWarning
	case "emergency":
		severity = SeverityCritical
	}

	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypePhaseChanged,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Phase changed %s -> %s (action=%s, factor=%.2f)", details.From, details.To, details.Action, details.Factor),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitMetricsUpdated emits a metrics snapshot event
func (e *EventEmitter) EmitMetricsUpdated(ctx context.Context, details map[string]interface{}) {
	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeMetricsUpdated,
		Timestamp: time.Now(),
		Summary:   "Metrics snapshot recorded",
		Details:   details,
		Severity:  SeverityInfo,
	})
}

// EmitOverloadHandled emits an overload-cycle event
func (e *EventEmitter) EmitOverloadHandled(ctx context.Context, details OverloadDetails) {
	severity := SeverityWarning
	if details.Level == "critical" || details.Level == "severe" {
		severity = SeverityCritical
	}

	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeOverloadHandled,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Overload level %s handled: %d actions across %d services", details.Level, details.ActionsExecuted, details.ServicesReduced),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitRecoveryCompleted emits a recovery-cycle event
func (e *EventEmitter) EmitRecoveryCompleted(ctx context.Context, details RecoveryDetails) {
	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeRecoveryCompleted,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Recovery completed: %d actions rolled back", details.ActionsRolledBack),
		Details:   structToMap(details),
		Severity:  SeverityInfo,
	})
}

// EmitRequestEvent emits a scheduler request lifecycle event
func (e *EventEmitter) EmitRequestEvent(ctx context.Context, eventType EventType, details RequestEventDetails) {
	severity := SeverityInfo
	if eventType == EventTypeRequestFailed || eventType == EventTypeRequestTimeout {
		severity = SeverityWarning
	}

	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Request %s %s (%s)", details.RequestID, string(eventType), details.Priority),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitPrediction emits a prediction-generated or spike-predicted event
func (e *EventEmitter) EmitPrediction(ctx context.Context, eventType EventType, details PredictionDetails) {
	severity := SeverityInfo
	if eventType == EventTypeSpikePredicted {
		severity = SeverityWarning
	}

	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Summary: fmt.Sprintf("Prediction: rate=%.1f confidence=%.2f spike_prob=%.2f",
			details.PredictedRate, details.Confidence, details.SpikeProbability),
		Details:  structToMap(details),
		Severity: severity,
	})
}

// EmitSpikePreparationComplete signals that all recommended preparation
// actions for a predicted spike have been dispatched.
func (e *EventEmitter) EmitSpikePreparationComplete(ctx context.Context, actions []string) {
	e.emitEvent(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeSpikePrepComplete,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Spike preparation complete: %d actions", len(actions)),
		Details:   map[string]interface{}{"actions": actions},
		Severity:  SeverityInfo,
	})
}

// emitEvent handles the actual event emission with telemetry and storage
func (e *EventEmitter) emitEvent(ctx context.Context, event Event) {
	// Add correlation ID from context if available
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	// Create telemetry span for the event
	if e.service != nil && e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, "event.emit",
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.severity", string(event.Severity)),
				attribute.String("event.summary", event.Summary),
			),
		)
		defer span.End()
	}

	// Store event; emission is best effort and never fails the caller
	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}

	e.logger.Info("Event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)))
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}
	return e.storage.GetEvents(ctx, filter)
}

// Utility functions
func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random generation fails
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}

	return result
}
