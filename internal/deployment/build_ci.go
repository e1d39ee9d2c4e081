package deployment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/cenkalti/backoff/v4"
)

// CIBuildStrategy triggers a remote CI workflow-dispatch and polls it to
// completion, grounded on identity.ProviderClient's external-collaborator
// HTTP-client pattern. The deployment id is the natural idempotency key:
// re-dispatching with the same id is expected to be a no-op on the CI
// side, and a resumed build skips dispatch entirely when ResumeJobID is set.
type CIBuildStrategy struct {
	baseURL     string
	token       string
	registry    string
	http        *http.Client
	pollMin     time.Duration
	pollMax     time.Duration
	stageDeadline time.Duration
}

func NewCIBuildStrategy(baseURL, token, registryHost string, pollMin, pollMax, stageDeadline time.Duration) *CIBuildStrategy {
	return &CIBuildStrategy{
		baseURL: baseURL, token: token, registry: registryHost,
		http: &http.Client{Timeout: 30 * time.Second},
		pollMin: pollMin, pollMax: pollMax, stageDeadline: stageDeadline,
	}
}

func (s *CIBuildStrategy) Kind() BuildStrategyKind { return BuildCIDriven }

type ciDispatchResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
}

type ciStatusResponse struct {
	Status  string `json:"status"` // queued|running|succeeded|failed
	LogsURL string `json:"logs_url"`
}

func (s *CIBuildStrategy) Build(ctx context.Context, job BuildJob, cancelled func() bool) (BuildResult, error) {
	jobID := job.ResumeJobID
	var logsURL string

	if jobID == "" {
		resp, err := s.dispatch(ctx, job)
		if err != nil {
			return BuildResult{}, err
		}
		jobID = resp.WorkflowRunID
	}

	stageCtx, cancel := context.WithTimeout(ctx, s.stageDeadline)
	defer cancel()

	status, err := s.pollUntilTerminal(stageCtx, jobID, cancelled)
	if err != nil {
		return BuildResult{}, err
	}
	logsURL = status.LogsURL
	if status.Status == "failed" {
		return BuildResult{JobID: jobID, LogsURL: logsURL}, apperr.New(apperr.Internal, "CI build failed").WithCode("build_failed")
	}

	return BuildResult{
		JobID:    jobID,
		ImageTag: fmt.Sprintf("%s/%s", s.registry, job.BuildCtx.ImageTag),
		LogsURL:  logsURL,
	}, nil
}

func (s *CIBuildStrategy) dispatch(ctx context.Context, job BuildJob) (*ciDispatchResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"deployment_id": job.DeploymentID,
		"image_tag":     job.BuildCtx.ImageTag,
		"build_context": base64.StdEncoding.EncodeToString(job.BuildCtx.Archive),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/workflow-dispatch", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build CI dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, err, "CI service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		// Already dispatched for this deployment_id — idempotent re-attach.
		var out ciDispatchResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return &out, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.New(apperr.TransientUnavailable, "CI dispatch transient failure")
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.Internal, "CI dispatch rejected").WithCode("build_failed")
	}
	var out ciDispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode CI dispatch response")
	}
	return &out, nil
}

// pollUntilTerminal polls CI status at bounded intervals — start at
// pollMin, exponential backoff to pollMax — until a terminal status or the
// stage deadline, per §4.4's poll policy. The cancelled callback lets a
// stop request abort the poll between attempts.
func (s *CIBuildStrategy) pollUntilTerminal(ctx context.Context, jobID string, cancelled func() bool) (*ciStatusResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollMin
	b.MaxInterval = s.pollMax
	b.Multiplier = 2
	bctx := backoff.WithContext(b, ctx)

	var last *ciStatusResponse
	op := func() error {
		if cancelled != nil && cancelled() {
			return backoff.Permanent(apperr.New(apperr.PreconditionFailed, "deployment stopped").WithCode("cancelled"))
		}
		status, err := s.fetchStatus(ctx, jobID)
		if err != nil {
			if apperr.Is(err, apperr.TransientUnavailable) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		last = status
		if status.Status == "succeeded" || status.Status == "failed" {
			return nil
		}
		return fmt.Errorf("build still %s", status.Status)
	}
	if err := backoff.Retry(op, bctx); err != nil {
		return nil, classifyPollError(err)
	}
	return last, nil
}

func (s *CIBuildStrategy) fetchStatus(ctx context.Context, jobID string) (*ciStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/workflow-runs/"+jobID, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build CI status request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, err, "CI service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.TransientUnavailable, "CI status transient failure")
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.Internal, "CI status check rejected").WithCode("build_failed")
	}
	var out ciStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode CI status response")
	}
	return &out, nil
}

// classifyPollError normalizes what backoff.Retry hands back: a permanent
// apperr.Error passes through unwrapped by the library already, anything
// else (context deadline, exhausted retries) means the stage deadline won.
func classifyPollError(err error) error {
	if apperr.KindOf(err) != apperr.Internal {
		return err
	}
	if _, ok := err.(*apperr.Error); ok {
		return err
	}
	return apperr.Wrap(apperr.Timeout, err, "build polling exceeded stage deadline")
}
