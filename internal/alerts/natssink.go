package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NATSSinkConfig configures the NATS-backed sink.
type NATSSinkConfig struct {
	URL           string
	SubjectPrefix string // default "coinsentry.alerts."
}

// DefaultNATSSinkConfig returns the default connection settings.
func DefaultNATSSinkConfig() NATSSinkConfig {
	return NATSSinkConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "coinsentry.alerts.",
	}
}

// NATSSink publishes alerts to NATS subjects, one subject per alert kind:
// <prefix><kind>.<asset>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSSink connects to NATS and builds the sink.
func NewNATSSink(cfg NATSSinkConfig) (*NATSSink, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "coinsentry.alerts."
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("coinsentry-alerts"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.SubjectPrefix).
		Msg("NATS alert sink initialized")

	return &NATSSink{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		logger: log.With().Str("component", "alert-nats-sink").Logger(),
	}, nil
}

func (s *NATSSink) Accept(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("alert sink not connected")
	}

	data, err := record.Marshal()
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s%s.%s", s.prefix, record.Kind, record.Asset)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	s.logger.Debug().
		Str("subject", subject).
		Str("kind", string(record.Kind)).
		Msg("Alert published")
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("NATS alert sink closed")
	}
	return nil
}
