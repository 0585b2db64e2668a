package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix roots every published event subject.
const DefaultSubjectPrefix = "snare.events"

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event to <prefix>.<investigation>.<type>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink wraps a connection. An empty prefix uses DefaultSubjectPrefix.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject is the subject an event is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(ev.InvestigationID), ev.Type)
}

func (s *NATSSink) HandleEvent(_ context.Context, ev Event) error {
	payload, err := ev.JSONL()
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Subject(ev), payload)
}

// subjectToken makes an id safe to use as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}

// ConnectNATS dials the event fan-out server.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("snare-events"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	return conn, nil
}
