// Package discovery bridges the external network probe. Protocol
// semantics live entirely in the probe; the core only relays candidate
// lists to callers.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
)

// Prober scans the network for candidate devices.
type Prober interface {
	Probe(ctx context.Context, ipRange string) ([]models.Candidate, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, ipRange string) ([]models.Candidate, error)

func (f ProberFunc) Probe(ctx context.Context, ipRange string) ([]models.Candidate, error) {
	return f(ctx, ipRange)
}

type DiscoveryService struct {
	log    *slog.Logger
	prober Prober
}

func New(log *slog.Logger, prober Prober) *DiscoveryService {
	return &DiscoveryService{
		log:    log,
		prober: prober,
	}
}

func (s *DiscoveryService) Scan(ctx context.Context, ipRange string) ([]models.Candidate, error) {
	const op = "service.discovery.Scan"

	log := s.log.With(slog.String("op", op))

	log.Info("scanning for cameras", slog.String("ip_range", ipRange))

	candidates, err := s.prober.Probe(ctx, ipRange)
	if err != nil {
		log.Error("probe failed", sl.Err(err))

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("scan finished", slog.Int("candidates", len(candidates)))

	return candidates, nil
}
