package audit

import (
	"maps"
	"strings"
	"time"

	auth "github.com/goliatone/go-authcore"
)

const (
	// MetadataKeyActorType stores the actor type derived from auth.ActorRef.Type.
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromStatus stores the source status for lifecycle transitions.
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the target status for lifecycle transitions.
	MetadataKeyToStatus = "to_status"
)

const (
	defaultChannel    = "auth"
	defaultObjectType = "account"
	defaultActorID    = "system"
)

// Envelope is the wire shape of a published audit record.
type Envelope struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes envelope construction.
type Option func(*envelopeOptions)

type envelopeOptions struct {
	channel    string
	objectType string
	newID      func() string
}

// WithChannel sets the channel stamped on envelopes.
func WithChannel(channel string) Option {
	return func(opts *envelopeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithObjectType sets the object type stamped on envelopes.
func WithObjectType(objectType string) Option {
	return func(opts *envelopeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithIDGenerator replaces the ULID generator, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(opts *envelopeOptions) {
		if fn != nil {
			opts.newID = fn
		}
	}
}

func defaultEnvelopeOptions() envelopeOptions {
	return envelopeOptions{
		channel:    defaultChannel,
		objectType: defaultObjectType,
		newID:      NewEventID,
	}
}

// NewEnvelope converts an auth.ActivityEvent into an Envelope.
func NewEnvelope(event auth.ActivityEvent, opts ...Option) Envelope {
	options := defaultEnvelopeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return newEnvelope(event, options)
}

func newEnvelope(event auth.ActivityEvent, options envelopeOptions) Envelope {
	actorID := strings.TrimSpace(event.Actor.ID)
	if actorID == "" {
		actorID = defaultActorID
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return Envelope{
		ID:         options.newID(),
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.AccountID),
		Channel:    options.channel,
		Metadata:   envelopeMetadata(event),
		OccurredAt: occurredAt.UTC(),
	}
}

func envelopeMetadata(event auth.ActivityEvent) map[string]any {
	metadata := maps.Clone(event.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := metadata[MetadataKeyActorType]; !exists {
			metadata[MetadataKeyActorType] = actorType
		}
	}
	if event.FromStatus != "" {
		metadata[MetadataKeyFromStatus] = string(event.FromStatus)
	}
	if event.ToStatus != "" {
		metadata[MetadataKeyToStatus] = string(event.ToStatus)
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
