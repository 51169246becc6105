package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/autonome-sdmis/platform/internal/shared/config"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Event types published by this service
const (
	AlerteCreated         = "alerte.created"
	AlerteStatusChanged   = "alerte.status_changed"
	AlerteCommented       = "alerte.commented"
	AlerteAttachmentAdded = "alerte.attachment_added"
	AgentUpdated          = "agent.updated"
	ContributionCreated   = "contribution.created"
	ContributionAnswered  = "contribution.answered"
	SurveyVoted           = "survey.voted"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	ActorID   types.ID `json:"actor_id,omitempty"`
	ActorTier string   `json:"actor_tier,omitempty"`

	// SubjectID is the aggregate the event is about (record, member, ...)
	SubjectID types.ID `json:"subject_id,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, subjectID types.ID, data any) Event {
	e := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		SubjectID: subjectID,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID types.ID, tier string) Event {
	e.ActorID = actorID
	e.ActorTier = tier
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Bus provides event publishing and subscription using KurrentDB
type Bus struct {
	client *esdb.Client
	prefix string
}

// NewBus creates a new event bus connected to KurrentDB
func NewBus(ctx context.Context, cfg config.KurrentDBConfig) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	bus := &Bus{client: client, prefix: cfg.StreamPrefix}

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}

	return bus, nil
}

// buildConnectionString creates the esdb:// connection string
func buildConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := "?keepAliveInterval=10000&keepAliveTimeout=10000&maxDiscoverAttempts=3"
	if cfg.Insecure {
		params += "&tls=false&tlsVerifyCert=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// StreamName maps an event to its aggregate stream:
// alerte.status_changed on record X -> <prefix>-alerte-X
func (b *Bus) StreamName(event Event) string {
	category := event.Type
	if idx := strings.Index(category, "."); idx > 0 {
		category = category[:idx]
	}
	if event.SubjectID.IsZero() {
		return fmt.Sprintf("%s-%s", b.prefix, category)
	}
	return fmt.Sprintf("%s-%s-%s", b.prefix, category, event.SubjectID)
}

// Publish appends an event to its aggregate stream
func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.StreamName(event), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe starts a catch-up subscription on $all from the current end,
// filtered server side by event type.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	sub, err := b.client.SubscribeToAll(ctx, esdb.SubscribeToAllOptions{
		From: esdb.End{},
		Filter: &esdb.SubscriptionFilter{
			Type:  esdb.EventFilterType,
			Regex: patternToRegex(pattern),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	go b.consume(ctx, sub, pattern, handler)
	return nil
}

func (b *Bus) consume(ctx context.Context, sub *esdb.Subscription, pattern string, handler Handler) {
	defer sub.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		subEvent := sub.Recv()
		if subEvent.SubscriptionDropped != nil {
			log.WithError(subEvent.SubscriptionDropped.Error).
				WithField("pattern", pattern).
				Warn("event subscription dropped")
			return
		}
		if subEvent.EventAppeared == nil || subEvent.EventAppeared.Event == nil {
			continue
		}

		recorded := subEvent.EventAppeared.Event
		if strings.HasPrefix(recorded.EventType, "$") || !MatchesPattern(recorded.EventType, pattern) {
			continue
		}

		var event Event
		if err := json.Unmarshal(recorded.Data, &event); err != nil {
			log.WithError(err).WithField("event_type", recorded.EventType).Warn("skipping undecodable event")
			continue
		}
		if event.ID == "" {
			event.ID = recorded.EventID.String()
		}

		if err := handler(ctx, event); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Error("event handler failed")
		}
	}
}

// patternToRegex converts "agent.*" to "^agent\..*$"
func patternToRegex(pattern string) string {
	if pattern == "*" {
		return "^[^$].*"
	}
	var sb strings.Builder
	sb.WriteByte('^')
	for _, c := range pattern {
		switch c {
		case '.':
			sb.WriteString(`\.`)
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteRune(c)
		}
	}
	sb.WriteByte('$')
	return sb.String()
}

// MatchesPattern checks if an event type matches a wildcard pattern
func MatchesPattern(eventType, pattern string) bool {
	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	typeParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(typeParts) || pp != typeParts[i] {
			return false
		}
	}

	return len(patternParts) == len(typeParts)
}

// Close closes the event bus connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *Bus) Health(ctx context.Context) error {
	stream, err := b.client.ReadAll(ctx, esdb.ReadAllOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	stream.Close()
	return nil
}

// PublishAsync publishes on a detached context so a cancelled request does
// not drop an event for a write that already committed. The request id of
// ctx, if any, becomes the correlation id. Failures are logged.
func PublishAsync(ctx context.Context, pub Publisher, event Event) {
	if pub == nil {
		return
	}
	if event.CorrelationID == "" {
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			event = event.WithCorrelation(reqID)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, event); err != nil {
			log.WithError(err).WithField("event_type", event.Type).Warn("event publish failed")
		}
	}()
}
