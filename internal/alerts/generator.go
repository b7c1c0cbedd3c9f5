package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/market"
	"github.com/coinsentry/coinsentry/internal/risk"
)

// Generator turns pipeline decisions into alert records and hands them to the
// sink. It is stateless; emission order follows the caller's call order.
type Generator struct {
	sink   Sink
	logger zerolog.Logger
}

// NewGenerator wires a generator over a sink.
func NewGenerator(sink Sink) *Generator {
	return &Generator{
		sink:   sink,
		logger: log.With().Str("component", "alerts").Logger(),
	}
}

// FromAssessment emits a SIGNAL alert for an approved assessment. Rejected
// assessments produce no alert.
func (g *Generator) FromAssessment(ctx context.Context, a risk.Assessment) error {
	if !a.Approved {
		g.logger.Debug().
			Str("asset", string(a.Asset)).
			Str("reason", a.RejectionReason).
			Msg("Rejected assessment, no alert")
		return nil
	}

	record, err := signalRecord(a)
	if err != nil {
		return err
	}
	if err := g.sink.Accept(ctx, record); err != nil {
		return fmt.Errorf("failed to deliver signal alert for %s: %w", a.Asset, err)
	}

	g.logger.Info().
		Str("asset", string(a.Asset)).
		Str("direction", string(a.Direction)).
		Str("level", string(a.Level)).
		Msg("Signal alert emitted")
	return nil
}

// FromVolatilityEvent emits a VOLATILITY_SPIKE alert.
func (g *Generator) FromVolatilityEvent(ctx context.Context, ev market.VolatilityEvent) error {
	record, err := volatilityRecord(ev)
	if err != nil {
		return err
	}
	if err := g.sink.Accept(ctx, record); err != nil {
		return fmt.Errorf("failed to deliver volatility alert for %s: %w", ev.Asset, err)
	}

	g.logger.Info().
		Str("asset", string(ev.Asset)).
		Float64("volatility", ev.Volatility).
		Float64("percentile", ev.Percentile).
		Msg("Volatility alert emitted")
	return nil
}

func signalRecord(a risk.Assessment) (Record, error) {
	payload, err := json.Marshal(SignalPayload{
		AssetID:                a.Asset,
		Direction:              a.Direction,
		Price:                  a.Price,
		Confidence:             a.Confidence,
		PositionSize:           a.PositionSize,
		StopLoss:               a.StopLoss,
		TakeProfit:             a.TakeProfit,
		ContributingStrategies: a.ContributingStrategies,
		RiskLevel:              string(a.Level),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	return Record{
		SchemaVersion: SchemaVersion,
		Timestamp:     a.AssessedAt.UnixMilli(),
		Kind:          KindSignal,
		Asset:         a.Asset,
		Payload:       payload,
	}, nil
}

func volatilityRecord(ev market.VolatilityEvent) (Record, error) {
	payload, err := json.Marshal(VolatilityPayload{
		AssetID:           ev.Asset,
		Price:             ev.Price,
		Volatility:        ev.Volatility,
		Percentile:        ev.Percentile,
		ThresholdExceeded: ev.ThresholdExceeded,
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal volatility payload: %w", err)
	}
	return Record{
		SchemaVersion: SchemaVersion,
		Timestamp:     ev.ObservedAt.UnixMilli(),
		Kind:          KindVolatilitySpike,
		Asset:         ev.Asset,
		Payload:       payload,
	}, nil
}
