package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "tidewatch.events"

// Publisher is the subset of *nats.Conn used by the relay.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type RelayConfig struct {
	Publisher     Publisher
	SubjectPrefix string
	Logger        *zap.Logger
}

// NATSRelay republishes dispatcher events as JSON on "<prefix>.<event type>".
type NATSRelay struct {
	publisher Publisher
	prefix    string
	logger    *zap.Logger
}

func NewNATSRelay(cfg RelayConfig) *NATSRelay {
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRelay{publisher: cfg.Publisher, prefix: prefix, logger: logger}
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("tidewatch"), nats.MaxReconnects(-1))
}

// Subject returns the subject an event type is published on.
func (r *NATSRelay) Subject(eventType string) string {
	return r.prefix + "." + eventType
}

// Run subscribes to dispatcher and relays events until ctx is done or the
// subscription is evicted.
func (r *NATSRelay) Run(ctx context.Context, dispatcher *Dispatcher) {
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				r.logger.Warn("nats relay fell behind and was evicted")
				return
			}
			r.relay(event)
		}
	}
}

func (r *NATSRelay) relay(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("nats relay encode failed", zap.String("event", event.Type), zap.Error(err))
		return
	}
	if err := r.publisher.Publish(r.Subject(event.Type), payload); err != nil {
		r.logger.Warn("nats relay publish failed", zap.String("event", event.Type), zap.Error(err))
	}
}
