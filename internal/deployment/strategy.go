package deployment

import "context"

// BuildContext is the in-memory archive materialized from an AgentVersion's
// config, handed to whichever BuildStrategy is configured. Grounded on
// §4.4 stage 1: "render into a templated container build context
// (Dockerfile + flow artifact), emit as an archive in memory."
type BuildContext struct {
	ImageTag string
	Archive  []byte
}

// BuildJob carries everything a BuildStrategy needs to either start a new
// build or resume one a prior worker started. ResumeJobID is set when
// Metadata.BuildJobID is already populated on the Deployment row.
type BuildJob struct {
	DeploymentID string
	BuildCtx     BuildContext
	ResumeJobID  string
}

// BuildResult is what a completed build produces: the registry-resolved
// image tag and, for resumability, the external build job id.
type BuildResult struct {
	JobID    string
	ImageTag string
	LogsURL  string
}

// BuildStrategy triggers an external build service and polls it to
// completion, per §4.4's ci_driven/hosted_build stage. Implementations
// MUST be idempotent: calling Build twice with the same DeploymentID-derived
// idempotency key must re-attach rather than duplicate the external job.
type BuildStrategy interface {
	Kind() BuildStrategyKind
	Build(ctx context.Context, job BuildJob, cancelled func() bool) (BuildResult, error)
}

// DeployJob carries what a DeployStrategy needs to create or re-attach to
// a platform-side service.
type DeployJob struct {
	DeploymentID string
	ImageTag     string
	Config       DeploymentConfig
	ResumeName   string
}

// DeployResult is the platform's answer once the service is ready.
type DeployResult struct {
	ServiceName string
	EndpointURL string
}

// DeployStrategy creates (or re-attaches to) a platform-side service and
// waits for readiness, per §4.4's serverless/cluster stage. Teardown is
// used by stop semantics to delete the platform-side resource.
type DeployStrategy interface {
	Kind() DeployStrategyKind
	Deploy(ctx context.Context, job DeployJob, cancelled func() bool) (DeployResult, error)
	Teardown(ctx context.Context, serviceName string) error
}

// Registry verifies a built image tag exists and is compatible with a
// deploy target before the deploy stage runs, per §4.4 stage 3.
type Registry interface {
	VerifyImage(ctx context.Context, imageTag, targetArch string) error
}
