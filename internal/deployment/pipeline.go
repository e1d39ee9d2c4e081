package deployment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/rs/zerolog"
)

const targetArchServerless = "amd64"

// Pipeline runs the build→verify→deploy stages for one leased Deployment.
// Each stage checks the cancellation flag before its next external call,
// per stop semantics, and persists a resumption marker to Metadata as soon
// as an external resource is created so a crashed worker's successor
// re-attaches instead of duplicating it.
type Pipeline struct {
	store        Store
	registry     Registry
	buildByKind  map[BuildStrategyKind]BuildStrategy
	deployByKind map[DeployStrategyKind]DeployStrategy
	registryHost string
}

func NewPipeline(store Store, registry Registry, registryHost string, builds []BuildStrategy, deploys []DeployStrategy) *Pipeline {
	p := &Pipeline{
		store: store, registry: registry, registryHost: registryHost,
		buildByKind:  map[BuildStrategyKind]BuildStrategy{},
		deployByKind: map[DeployStrategyKind]DeployStrategy{},
	}
	for _, b := range builds {
		p.buildByKind[b.Kind()] = b
	}
	for _, d := range deploys {
		p.deployByKind[d.Kind()] = d
	}
	return p
}

// Run executes the pipeline for d, which must currently be leased in
// pending or deploying status. It returns nil once d reaches running or
// stopped. When a stage fails it persists failed via Transition and then
// returns an error carrying the failure detail, so callers never need to set
// status themselves on failure; if a Transition call itself fails, that
// error is returned and the status is left as it was.
func (p *Pipeline) Run(ctx context.Context, log zerolog.Logger, d *Deployment, config json.RawMessage) error {
	cancelled := func() bool {
		stopped, err := p.store.IsStopRequested(ctx, d.ID)
		return err == nil && stopped
	}

	if d.Status == StatusPending {
		if cancelled() {
			return p.stop(ctx, d, StatusPending)
		}
		var err error
		d, err = p.store.Transition(ctx, d.ID, StatusPending, StatusDeploying, "worker picked up deployment", nil)
		if err != nil {
			return err
		}
	}

	if cancelled() {
		return p.stop(ctx, d, StatusDeploying)
	}

	build, ok := p.buildByKind[d.BuildStrategy]
	if !ok {
		return p.fail(ctx, d, "unknown build strategy "+string(d.BuildStrategy))
	}
	deploy, ok := p.deployByKind[d.DeployStrategy]
	if !ok {
		return p.fail(ctx, d, "unknown deploy strategy "+string(d.DeployStrategy))
	}

	imageTag := d.Metadata.ImageTag
	if imageTag == "" {
		buildCtx, err := MaterializeBuildContext(d.ID, p.registryHost, config)
		if err != nil {
			return p.fail(ctx, d, err.Error())
		}
		result, err := build.Build(ctx, BuildJob{
			DeploymentID: d.ID,
			BuildCtx:     buildCtx,
			ResumeJobID:  d.Metadata.BuildJobID,
		}, cancelled)
		if err != nil {
			if apperr.Is(err, apperr.PreconditionFailed) {
				return p.stop(ctx, d, StatusDeploying)
			}
			return p.fail(ctx, d, err.Error())
		}
		d.Metadata.BuildJobID = result.JobID
		d.Metadata.ImageTag = result.ImageTag
		d.Metadata.LogsURL = result.LogsURL
		if err := p.store.SaveMetadata(ctx, d.ID, d.Metadata); err != nil {
			return p.fail(ctx, d, err.Error())
		}
		imageTag = result.ImageTag
	}

	if cancelled() {
		return p.stop(ctx, d, StatusDeploying)
	}

	if err := p.registry.VerifyImage(ctx, imageTag, targetArchServerless); err != nil {
		return p.fail(ctx, d, err.Error())
	}

	if cancelled() {
		return p.stop(ctx, d, StatusDeploying)
	}

	deployConfig, err := parseDeploymentConfig(config)
	if err != nil {
		return p.fail(ctx, d, err.Error())
	}

	resumeName := d.Metadata.PlatformServiceName
	deployResult, err := deploy.Deploy(ctx, DeployJob{
		DeploymentID: d.ID,
		ImageTag:     imageTag,
		Config:       deployConfig,
		ResumeName:   resumeName,
	}, cancelled)
	if err != nil {
		if apperr.Is(err, apperr.PreconditionFailed) {
			// The strategy derives the service name deterministically from
			// DeploymentID, so it can be recorded for resumption even though
			// Deploy returned before reporting readiness.
			if resumeName == "" {
				resumeName = "agent-runtime-" + d.ID
			}
			d.Metadata.PlatformServiceName = resumeName
			_ = p.store.SaveMetadata(ctx, d.ID, d.Metadata)
			return p.stop(ctx, d, StatusDeploying)
		}
		return p.fail(ctx, d, err.Error())
	}
	d.Metadata.PlatformServiceName = deployResult.ServiceName
	if err := p.store.SaveMetadata(ctx, d.ID, d.Metadata); err != nil {
		return p.fail(ctx, d, err.Error())
	}

	log.Debug().Str("deployment_id", d.ID).Str("endpoint", deployResult.EndpointURL).Msg("deployment ready")

	endpoint := deployResult.EndpointURL
	_, err = p.store.Transition(ctx, d.ID, StatusDeploying, StatusRunning, "deployment ready", func(dep *Deployment) {
		dep.EndpointURL = &endpoint
		now := time.Now().UTC()
		dep.DeployedAt = &now
	})
	return err
}

// Teardown attempts to delete any external resource the pipeline already
// created for d before it is force-failed, so a wall-clock timeout doesn't
// leak a running platform-side service that nothing will ever stop. It is
// best-effort: a Teardown failure is logged by the caller, never returned,
// since the deployment is already headed to StatusFailed regardless.
func (p *Pipeline) Teardown(ctx context.Context, d *Deployment) error {
	if d.Metadata.PlatformServiceName == "" {
		return nil
	}
	deploy, ok := p.deployByKind[d.DeployStrategy]
	if !ok {
		return nil
	}
	return deploy.Teardown(ctx, d.Metadata.PlatformServiceName)
}

func (p *Pipeline) fail(ctx context.Context, d *Deployment, detail string) error {
	_, err := p.store.Transition(ctx, d.ID, d.Status, StatusFailed, detail, func(dep *Deployment) {
		msg := detail
		dep.ErrorMessage = &msg
	})
	if err != nil {
		return err
	}
	return apperr.New(apperr.Internal, detail)
}

func (p *Pipeline) stop(ctx context.Context, d *Deployment, from Status) error {
	if from == StatusPending {
		_, err := p.store.Transition(ctx, d.ID, from, StatusStopped, "stopped before worker started", func(dep *Deployment) {
			now := time.Now().UTC()
			dep.StoppedAt = &now
		})
		return err
	}

	if d.Metadata.PlatformServiceName != "" {
		if deploy, ok := p.deployByKind[d.DeployStrategy]; ok {
			_ = deploy.Teardown(ctx, d.Metadata.PlatformServiceName)
		}
	}
	_, err := p.store.Transition(ctx, d.ID, from, StatusStopped, "stop requested by client", func(dep *Deployment) {
		now := time.Now().UTC()
		dep.StoppedAt = &now
	})
	return err
}

// parseDeploymentConfig extracts the deploy strategy's config block from the
// agent version's raw config, enforcing the same size cap the catalog
// applies at write time — a defense-in-depth check against a config that
// grew past MaxConfigBytes after being written under an older, larger cap.
func parseDeploymentConfig(raw json.RawMessage) (DeploymentConfig, error) {
	if len(raw) > MaxConfigBytes {
		return DeploymentConfig{}, apperr.New(apperr.PayloadTooLarge, "deployment config exceeds maximum size").WithCode("payload_too_large")
	}
	var cfg struct {
		DeploymentConfig DeploymentConfig `json:"deployment_config"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cfg)
	}
	cfg.DeploymentConfig.Raw = raw
	return cfg.DeploymentConfig, nil
}
