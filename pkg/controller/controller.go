// Package controller implements the Controller: on each tick it pulls the
// Aggregator's fused metrics/topology view, evaluates every workload that
// carries a ServiceSLO, attributes SLO breaches to their root cause one hop
// down the dependency graph, and scales the responsible Deployment up when
// warranted. Decision order, formula, and cooldown semantics are grounded on
// original_source's controller/controller.py; the per-tick iterate-and-act
// loop shape is grounded on cuemby-warren's scheduler.Scheduler.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/autoscaler/pkg/config"
	applog "github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/metrics"
	"github.com/cuemby/autoscaler/pkg/orchestrator"
	"github.com/cuemby/autoscaler/pkg/types"
)

// minRPSToConsider filters out workloads with negligible traffic: a latency
// average computed from a handful of samples is noise, not signal.
const minRPSToConsider = 1.0

// Controller decides and applies scaling actions.
type Controller struct {
	cfg        *config.ControllerConfig
	client     *orchestrator.Client
	httpClient *http.Client
	logger     zerolog.Logger

	cooldownMu    sync.Mutex
	cooldownUntil map[types.WorkloadID]time.Time

	stopCh chan struct{}
}

// New builds a Controller.
func New(cfg *config.ControllerConfig, client *orchestrator.Client, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:           cfg,
		client:        client,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		logger:        logger,
		cooldownUntil: make(map[types.WorkloadID]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the tick loop as a background goroutine.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
	c.logger.Info().Str("aggregator_url", c.cfg.AggregatorURL).Msg("controller started")
}

// Stop signals the tick loop to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	tick := uuid.NewString()
	logger := applog.WithTick(tick)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	view, err := c.fetchView(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch aggregator view")
		return
	}

	slos := c.client.ListSLOs(ctx)
	now := time.Now()

	for workload, slo := range slos {
		decision := c.decide(ctx, workload, slo, view, slos, now, logger)
		if decision.Target == "" {
			continue
		}
		c.apply(ctx, decision, logger)
	}
}

func (c *Controller) fetchView(ctx context.Context) (types.FusedView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AggregatorURL+"/api/graph", nil)
	if err != nil {
		return types.FusedView{}, fmt.Errorf("controller: build graph request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.FusedView{}, fmt.Errorf("controller: fetch graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.FusedView{}, fmt.Errorf("controller: graph endpoint returned %d", resp.StatusCode)
	}

	var view types.FusedView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return types.FusedView{}, fmt.Errorf("controller: decode graph: %w", err)
	}
	return view, nil
}

// decide evaluates one SLO-managed workload and returns the scaling action to
// take, if any. An empty Target means "do nothing" (skipped, healthy, or
// already handled via cooldown).
func (c *Controller) decide(ctx context.Context, workload types.WorkloadID, slo types.SLORecord, view types.FusedView, slos map[types.WorkloadID]types.SLORecord, now time.Time, logger zerolog.Logger) types.ScaleDecision {
	m, ok := view.Metrics[workload]
	if !ok || m.RPS < minRPSToConsider {
		return types.ScaleDecision{}
	}
	if m.LatencyMS <= slo.SLOLatencyMS {
		return types.ScaleDecision{}
	}

	target := workload
	targetSLO := slo
	targetMetrics := m
	reason := "direct_slo_breach"

	for _, callee := range view.Topology[workload] {
		calleeSLO, managed := slos[callee]
		if !managed {
			continue
		}
		calleeMetrics, present := view.Metrics[callee]
		if !present || calleeMetrics.LatencyMS <= calleeSLO.SLOLatencyMS {
			continue
		}
		target = callee
		targetSLO = calleeSLO
		targetMetrics = calleeMetrics
		reason = "root_cause_attribution"
		metrics.RootCauseAttributionsTotal.Inc()
		break
	}

	c.cooldownMu.Lock()
	until, onCooldown := c.cooldownUntil[target]
	c.cooldownMu.Unlock()
	if onCooldown && now.Before(until) {
		metrics.CooldownSkipsTotal.Inc()
		logger.Debug().Str("target", string(target)).Msg("scale skipped, in cooldown")
		return types.ScaleDecision{}
	}

	current, err := c.client.GetScale(ctx, string(target))
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotManaged) {
			logger.Debug().Str("target", string(target)).Msg("scale target unmanaged, skipping")
			return types.ScaleDecision{}
		}
		logger.Error().Err(err).Str("target", string(target)).Msg("failed to read current scale")
		return types.ScaleDecision{}
	}

	desired := idealReplicas(current, targetMetrics.LatencyMS, targetSLO)
	if desired <= current {
		return types.ScaleDecision{}
	}

	return types.ScaleDecision{
		Target:          target,
		Reason:          reason,
		CurrentReplicas: current,
		DesiredReplicas: desired,
	}
}

// idealReplicas computes the replica count that would bring latency back to
// the SLO target, assuming latency scales inversely with replica count, then
// clamps to the SLO's configured bounds.
func idealReplicas(current int32, latencyMS float64, slo types.SLORecord) int32 {
	if current <= 0 {
		current = 1
	}
	ratio := latencyMS / slo.SLOLatencyMS
	ideal := int32(math.Ceil(float64(current) * ratio))
	if ideal < slo.MinReplicas {
		ideal = slo.MinReplicas
	}
	if ideal > slo.MaxReplicas {
		ideal = slo.MaxReplicas
	}
	return ideal
}

func (c *Controller) apply(ctx context.Context, decision types.ScaleDecision, logger zerolog.Logger) {
	err := c.client.PatchScale(ctx, string(decision.Target), decision.DesiredReplicas)
	if err != nil {
		metrics.PatchFailuresTotal.Inc()
		metrics.ScaleDecisionsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("target", string(decision.Target)).Msg("scale patch failed")
		return
	}

	decision.Applied = true
	c.cooldownMu.Lock()
	c.cooldownUntil[decision.Target] = time.Now().Add(c.cfg.Cooldown)
	c.cooldownMu.Unlock()

	metrics.ScaleDecisionsTotal.WithLabelValues("applied").Inc()
	logger.Info().
		Str("target", string(decision.Target)).
		Str("reason", decision.Reason).
		Int32("from", decision.CurrentReplicas).
		Int32("to", decision.DesiredReplicas).
		Msg("scaled workload")
}
