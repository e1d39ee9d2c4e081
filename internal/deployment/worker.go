package deployment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkerConfig tunes the lease loop's pacing. LeaseDuration bounds how long
// a worker may hold a deployment before another worker is allowed to
// reclaim it on crash; PipelineTimeout is the overall wall-clock budget for
// one deployment's build+deploy run, independent of any single stage's own
// poll deadline.
type WorkerConfig struct {
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	BatchSize       int
	PipelineTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:    3 * time.Second,
		LeaseDuration:   90 * time.Second,
		BatchSize:       4,
		PipelineTimeout: 15 * time.Minute,
	}
}

// AgentVersionConfigLoader resolves the raw config a deployment builds from.
// Kept as a narrow function type so the worker never imports the catalog
// package's Service directly — the engine wires the closure at startup.
type AgentVersionConfigLoader func(ctx context.Context, agentVersionID string) ([]byte, error)

// Worker repeatedly leases pending/orphaned deployments and runs the
// pipeline for each, one goroutine per leased row, per §4.4's "at most one
// worker processes a given deployment at a time." A worker that
// dies mid-pipeline simply stops renewing its lease; once LeaseDuration
// elapses another worker's next Lease call reclaims the row.
type Worker struct {
	id       string
	store    Store
	pipeline *Pipeline
	loadCfg  AgentVersionConfigLoader
	cfg      WorkerConfig
	log      zerolog.Logger
}

func NewWorker(store Store, pipeline *Pipeline, loadCfg AgentVersionConfigLoader, cfg WorkerConfig, log zerolog.Logger) *Worker {
	id := "worker-" + uuid.NewString()
	return &Worker{
		id:       id,
		store:    store,
		pipeline: pipeline,
		loadCfg:  loadCfg,
		cfg:      cfg,
		log:      log.With().Str("worker_id", id).Logger(),
	}
}

// Run blocks polling for leasable deployments until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	leased, err := w.store.Lease(ctx, w.id, w.cfg.LeaseDuration, w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("lease deployments")
		return
	}
	for i := range leased {
		d := leased[i]
		go w.process(ctx, &d)
	}
}

func (w *Worker) process(parent context.Context, d *Deployment) {
	log := w.log.With().Str("deployment_id", d.ID).Logger()

	ctx, cancel := context.WithTimeout(parent, w.cfg.PipelineTimeout)
	defer cancel()

	renewDone := make(chan struct{})
	go w.renewLoop(ctx, d.ID, renewDone)
	defer close(renewDone)

	config, err := w.loadCfg(ctx, d.AgentVersionID)
	if err != nil {
		log.Error().Err(err).Msg("load agent version config for deployment")
		_, _ = w.store.Transition(ctx, d.ID, d.Status, StatusFailed, "config unavailable: "+err.Error(), func(dep *Deployment) {
			msg := err.Error()
			dep.ErrorMessage = &msg
		})
		return
	}

	if err := w.pipeline.Run(ctx, log, d, config); err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("pipeline exceeded overall wall-clock timeout")
			w.timeoutOut(parent, d)
			return
		}
		log.Error().Err(err).Msg("pipeline run failed")
	}
}

func (w *Worker) renewLoop(ctx context.Context, id string, done <-chan struct{}) {
	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.store.RenewLease(context.Background(), id, w.id, w.cfg.LeaseDuration)
		}
	}
}

// timeoutOut runs with a fresh background context since ctx is already
// past its deadline; it force-fails the deployment so it doesn't sit
// forever in deploying waiting for a lease that never gets renewed again,
// and makes a best-effort attempt to tear down any partial external
// resource the pipeline had already created before the deadline hit.
func (w *Worker) timeoutOut(parent context.Context, d *Deployment) {
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	current, err := w.store.Get(bg, d.ID)
	if err != nil || IsTerminal(current.Status) {
		return
	}
	if err := w.pipeline.Teardown(bg, current); err != nil {
		w.log.Warn().Err(err).Str("deployment_id", d.ID).Msg("best-effort teardown after timeout failed")
	}
	_, _ = w.store.Transition(bg, d.ID, current.Status, StatusFailed, "pipeline exceeded wall-clock timeout", func(dep *Deployment) {
		msg := "deployment timed out"
		dep.ErrorMessage = &msg
	})
}
