package convergence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GossiperConfig controls gossip rounds.
type GossiperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// PushesPerSecond caps outgoing pushes across all peers; 0 means unlimited.
	PushesPerSecond float64       `yaml:"pushes_per_second"`
	Burst           int           `yaml:"burst"`
	BatchSize       int           `yaml:"batch_size"`
	PushTimeout     time.Duration `yaml:"push_timeout"`
}

// setDefaults applies defaults when fields are zero.
func (c *GossiperConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 16
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Second
	}
}

// Gossiper pushes each peer the records it does not hold yet. It runs
// beside commits and never holds the node lock across a push.
type Gossiper struct {
	node      *Node
	transport Transport
	cfg       GossiperConfig
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func NewGossiper(node *Node, transport Transport, cfg GossiperConfig, logger *zap.Logger) *Gossiper {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.PushesPerSecond > 0 {
		limit = rate.Limit(cfg.PushesPerSecond)
	}
	return &Gossiper{
		node:      node,
		transport: transport,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		logger:    logger.Named("gossiper").With(zap.String("node_id", string(node.ID()))),
	}
}

// Run gossips every Interval until ctx is done.
func (g *Gossiper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	g.logger.Info("Gossip started", zap.Duration("interval", g.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Gossip stopped")
			return
		case <-ticker.C:
			if err := g.Round(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("Gossip round incomplete", zap.Error(err))
			}
		}
	}
}

// Round pushes to every peer once. A failing peer does not stop the round;
// all failures are returned together.
func (g *Gossiper) Round(ctx context.Context) error {
	start := time.Now()
	defer func() {
		g.node.metrics.roundDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}()

	var errs error
	for _, peer := range g.node.Peers() {
		if err := g.limiter.Wait(ctx); err != nil {
			return multierr.Append(errs, err)
		}
		err := g.push(ctx, peer)
		result := "ok"
		if err != nil {
			result = "error"
			errs = multierr.Append(errs, fmt.Errorf("push to %s: %w", peer, err))
		}
		g.node.metrics.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	return errs
}

func (g *Gossiper) push(ctx context.Context, peer NodeID) error {
	msg := &GossipMessage{
		From:    g.node.ID(),
		Clock:   g.node.CurrentClock(),
		Records: g.node.Unacked(peer, g.cfg.BatchSize),
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PushTimeout)
	defer cancel()

	ack, err := g.transport.Push(ctx, peer, msg)
	if err != nil {
		return err
	}
	if ack == nil {
		return errors.New("empty ack")
	}
	g.node.Ack(peer, ack.Received())
	if len(ack.Conflicts) > 0 {
		g.logger.Warn("Peer quarantined records",
			zap.String("peer", string(peer)),
			zap.Int("conflicts", len(ack.Conflicts)))
	}
	g.logger.Debug("Pushed records",
		zap.String("peer", string(peer)),
		zap.Int("sent", len(msg.Records)),
		zap.Int("applied", len(ack.Applied)),
		zap.Int("duplicates", len(ack.Duplicates)))
	return nil
}
