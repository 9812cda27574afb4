package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultDurable     = "sage-engine"
	defaultHandleLimit = 30 * time.Second
)

type SubscriberConfig struct {
	URL     string
	Token   string
	Durable string
	// HandleTimeout bounds the processing of one message.
	HandleTimeout time.Duration
}

// Subscriber holds a JetStream push subscription per event family.
type Subscriber struct {
	cfg    SubscriberConfig
	router *Router
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription
}

func NewSubscriber(cfg SubscriberConfig, router *Router, logger *slog.Logger) *Subscriber {
	if cfg.Durable == "" {
		cfg.Durable = DefaultDurable
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg, router: router, logger: logger}
}

// EnsureStream creates the events stream if it does not exist yet.
func EnsureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectClassificationPrefix + ">", SubjectInboundPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("events: create %s stream: %w", StreamName, err)
	}
	return nil
}

// Start connects and subscribes. Messages are handled on the NATS client's
// goroutines until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("sage-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if s.cfg.Token != "" {
		opts = append(opts, nats.Token(s.cfg.Token))
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("events: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("events: jetstream context: %w", err)
	}
	if err := EnsureStream(js); err != nil {
		nc.Close()
		return err
	}

	s.conn = nc
	families := []struct{ subject, durable string }{
		{SubjectClassificationPrefix + ">", s.cfg.Durable + "-classification"},
		{SubjectInboundPrefix + ">", s.cfg.Durable + "-inbound"},
	}
	for _, f := range families {
		sub, err := js.Subscribe(f.subject, s.handler(ctx),
			nats.Durable(f.durable),
			nats.DeliverAll(),
			nats.AckExplicit(),
			nats.ManualAck(),
		)
		if err != nil {
			s.Close()
			return fmt.Errorf("events: subscribe %s: %w", f.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("event subscriber started", slog.String("url", s.cfg.URL), slog.String("stream", StreamName))
	return nil
}

func (s *Subscriber) handler(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandleTimeout)
		defer cancel()

		err := s.router.Handle(hctx, msg.Subject, msg.Data)
		switch {
		case err == nil:
			_ = msg.Ack()
		case errors.Is(err, ErrMalformed):
			s.logger.Warn("event terminated", slog.String("subject", msg.Subject), slog.Any("err", err))
			_ = msg.Term()
		default:
			s.logger.Error("event handling failed, will redeliver", slog.String("subject", msg.Subject), slog.Any("err", err))
			_ = msg.NakWithDelay(5 * time.Second)
		}
	}
}

// Close closes the connection. Subscriptions are not unsubscribed so the
// durable consumers, and their ack floor, survive a restart.
func (s *Subscriber) Close() {
	s.subs = nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
