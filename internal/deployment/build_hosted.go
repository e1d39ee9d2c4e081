package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/cenkalti/backoff/v4"
)

// HostedBuildStrategy submits a build job to a managed build service with a
// storage-backed build context and polls it likewise. Shares its polling
// discipline with CIBuildStrategy but the submission contract differs: the
// build context is uploaded out-of-band and referenced by a storage key
// rather than inlined base64, per §4.4's "storage-backed build context".
type HostedBuildStrategy struct {
	baseURL       string
	token         string
	registry      string
	http          *http.Client
	pollMin       time.Duration
	pollMax       time.Duration
	stageDeadline time.Duration
}

func NewHostedBuildStrategy(baseURL, token, registryHost string, pollMin, pollMax, stageDeadline time.Duration) *HostedBuildStrategy {
	return &HostedBuildStrategy{
		baseURL: baseURL, token: token, registry: registryHost,
		http: &http.Client{Timeout: 30 * time.Second},
		pollMin: pollMin, pollMax: pollMax, stageDeadline: stageDeadline,
	}
}

func (s *HostedBuildStrategy) Kind() BuildStrategyKind { return BuildHostedBuild }

type hostedBuildSubmitResponse struct {
	BuildID string `json:"build_id"`
}

type hostedBuildStatusResponse struct {
	Status  string `json:"status"` // pending|building|complete|error
	LogsURL string `json:"logs_url"`
}

func (s *HostedBuildStrategy) Build(ctx context.Context, job BuildJob, cancelled func() bool) (BuildResult, error) {
	buildID := job.ResumeJobID
	if buildID == "" {
		storageKey, err := s.upload(ctx, job)
		if err != nil {
			return BuildResult{}, err
		}
		buildID, err = s.submit(ctx, job, storageKey)
		if err != nil {
			return BuildResult{}, err
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, s.stageDeadline)
	defer cancel()

	status, err := s.pollUntilTerminal(stageCtx, buildID, cancelled)
	if err != nil {
		return BuildResult{}, err
	}
	if status.Status == "error" {
		return BuildResult{JobID: buildID, LogsURL: status.LogsURL}, apperr.New(apperr.Internal, "hosted build failed").WithCode("build_failed")
	}
	return BuildResult{
		JobID:    buildID,
		ImageTag: fmt.Sprintf("%s/%s", s.registry, job.BuildCtx.ImageTag),
		LogsURL:  status.LogsURL,
	}, nil
}

func (s *HostedBuildStrategy) upload(ctx context.Context, job BuildJob) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.baseURL+"/storage/"+job.DeploymentID, bytes.NewReader(job.BuildCtx.Archive))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "build context upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TransientUnavailable, err, "hosted build storage unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", apperr.New(apperr.TransientUnavailable, "build context upload transient failure")
	}
	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.Internal, "build context upload rejected").WithCode("build_failed")
	}
	return job.DeploymentID, nil
}

func (s *HostedBuildStrategy) submit(ctx context.Context, job BuildJob, storageKey string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"deployment_id": job.DeploymentID,
		"image_tag":     job.BuildCtx.ImageTag,
		"storage_key":   storageKey,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/builds", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "build submission request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TransientUnavailable, err, "hosted build service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		var out hostedBuildSubmitResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return out.BuildID, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", apperr.New(apperr.TransientUnavailable, "build submission transient failure")
	}
	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.Internal, "build submission rejected").WithCode("build_failed")
	}
	var out hostedBuildSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "decode build submission response")
	}
	return out.BuildID, nil
}

func (s *HostedBuildStrategy) pollUntilTerminal(ctx context.Context, buildID string, cancelled func() bool) (*hostedBuildStatusResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollMin
	b.MaxInterval = s.pollMax
	b.Multiplier = 2
	bctx := backoff.WithContext(b, ctx)

	var last *hostedBuildStatusResponse
	op := func() error {
		if cancelled != nil && cancelled() {
			return backoff.Permanent(apperr.New(apperr.PreconditionFailed, "deployment stopped").WithCode("cancelled"))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/builds/"+buildID, nil)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "build status request"))
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		resp, err := s.http.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.TransientUnavailable, err, "hosted build service unreachable")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return apperr.New(apperr.TransientUnavailable, "build status transient failure")
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(apperr.New(apperr.Internal, "build status check rejected").WithCode("build_failed"))
		}
		var status hostedBuildStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "decode build status response"))
		}
		last = &status
		if status.Status == "complete" || status.Status == "error" {
			return nil
		}
		return fmt.Errorf("build still %s", status.Status)
	}
	if err := backoff.Retry(op, bctx); err != nil {
		return nil, classifyPollError(err)
	}
	return last, nil
}
