package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/events"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const mirrorBuffer = 128

// Event is one connection event as published on the bus.
type Event struct {
	Type      domain.EventType `json:"type"`
	AgentID   string           `json:"agent_id"`
	CallCID   string           `json:"call_cid"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// EventBus mirrors the events of a local connection onto a Redis channel
// per call so other agents and tools can follow the call.
type EventBus struct {
	client  *redis.Client
	agentID string
	callCID string
	channel string
	logger  *zap.SugaredLogger

	queue chan *Event
	sub   *events.Subscription
	once  sync.Once
	done  chan struct{}
}

func NewEventBus(client *redis.Client, agentID, callCID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:  client,
		agentID: agentID,
		callCID: callCID,
		channel: ChannelName(callCID),
		logger:  logger,
		queue:   make(chan *Event, mirrorBuffer),
		done:    make(chan struct{}),
	}
}

// ChannelName is the pub/sub channel of one call.
func ChannelName(callCID string) string {
	return fmt.Sprintf("streamrtc:call:%s:events", callCID)
}

// Mirror forwards the mirrored events of emitter until Close. Publishing
// happens on a separate goroutine; events are dropped when it falls behind.
func (eb *EventBus) Mirror(emitter *events.Emitter) {
	eb.sub = emitter.SubscribeAll(func(ev domain.Event) {
		record, ok := eb.encode(ev)
		if !ok {
			return
		}
		select {
		case eb.queue <- record:
		default:
			eb.logger.Debugw("event bus queue full, dropping event", "type", ev.Type())
		}
	})
	go eb.publishLoop()
}

func (eb *EventBus) publishLoop() {
	defer close(eb.done)
	for record := range eb.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := eb.Publish(ctx, record); err != nil {
			eb.logger.Warnw("failed to mirror event", "type", record.Type, "error", err)
		}
		cancel()
	}
}

// encode keeps the events that describe the call. Media events are local.
func (eb *EventBus) encode(ev domain.Event) (*Event, bool) {
	var payload any
	switch e := ev.(type) {
	case domain.ConnectionStateChanged:
		payload = map[string]string{"previous": string(e.Previous), "current": string(e.Current)}
	case domain.ReconnectionSuccess:
		payload = map[string]any{"strategy": e.Strategy.String(), "duration_ms": e.Duration.Milliseconds()}
	case domain.ReconnectionFailed:
		payload = map[string]string{"reason": e.Reason}
	case domain.NetworkChanged:
		payload = map[string]bool{"online": e.Online}
	case domain.ParticipantJoined:
		payload = e.Participant
	case domain.ParticipantLeft:
		payload = e.Participant
	case domain.TrackPublished:
		payload = map[string]string{"user_id": e.UserID, "session_id": e.SessionID, "track_type": e.TrackType.String()}
	case domain.TrackUnpublished:
		payload = map[string]string{"user_id": e.UserID, "session_id": e.SessionID, "track_type": e.TrackType.String()}
	case domain.CallEnded:
		payload = map[string]string{"reason": e.Reason}
	case domain.SFUError:
		payload = map[string]any{"code": e.Code, "message": e.Message, "should_retry": e.ShouldRetry}
	default:
		return nil, false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		eb.logger.Warnw("failed to marshal event payload", "type", ev.Type(), "error", err)
		return nil, false
	}
	return &Event{Type: ev.Type(), Payload: data}, true
}

// Publish sends event on the call channel, stamping agent, call and time.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.AgentID = eb.agentID
	event.CallCID = eb.callCID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "channel", eb.channel)
	return nil
}

// Subscribe calls handler for every event other agents publish on the call
// channel until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.AgentID == eb.agentID {
				continue
			}
			handler(&event)
		}
	}
}

// Close stops mirroring and waits for queued events to be published.
func (eb *EventBus) Close() error {
	eb.once.Do(func() {
		if eb.sub == nil {
			close(eb.done)
			return
		}
		eb.sub.Unsubscribe()
		close(eb.queue)
		<-eb.done
	})
	return nil
}
