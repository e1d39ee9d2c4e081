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

// ServerlessDeployStrategy creates a serverless service named
// agent-runtime-<deployment_id> pointing at the built image, per §4.4
// stage 4's serverless branch. The deployment-id-derived name is the
// idempotency key: re-creating it after a worker crash re-attaches to the
// platform's existing service instead of erroring.
type ServerlessDeployStrategy struct {
	baseURL       string
	token         string
	http          *http.Client
	pollMin       time.Duration
	pollMax       time.Duration
	stageDeadline time.Duration
}

func NewServerlessDeployStrategy(baseURL, token string, pollMin, pollMax, stageDeadline time.Duration) *ServerlessDeployStrategy {
	return &ServerlessDeployStrategy{
		baseURL: baseURL, token: token,
		http: &http.Client{Timeout: 30 * time.Second},
		pollMin: pollMin, pollMax: pollMax, stageDeadline: stageDeadline,
	}
}

func (s *ServerlessDeployStrategy) Kind() DeployStrategyKind { return DeployServerless }

type serverlessStatusResponse struct {
	Ready bool   `json:"ready"`
	URL   string `json:"url"`
}

func (s *ServerlessDeployStrategy) Deploy(ctx context.Context, job DeployJob, cancelled func() bool) (DeployResult, error) {
	serviceName := job.ResumeName
	if serviceName == "" {
		serviceName = "agent-runtime-" + job.DeploymentID
		if err := s.create(ctx, serviceName, job); err != nil {
			return DeployResult{}, err
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, s.stageDeadline)
	defer cancel()
	url, err := s.pollReady(stageCtx, serviceName, cancelled)
	if err != nil {
		return DeployResult{}, err
	}
	return DeployResult{ServiceName: serviceName, EndpointURL: url}, nil
}

func (s *ServerlessDeployStrategy) create(ctx context.Context, serviceName string, job DeployJob) error {
	body, _ := json.Marshal(map[string]any{
		"name":        serviceName,
		"image":       job.ImageTag,
		"port":        8080,
		"concurrency": job.Config.Concurrency,
		"min_replicas": job.Config.MinReplicas,
		"max_replicas": job.Config.MaxReplicas,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/services", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build serverless create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "serverless platform unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return nil // already exists — idempotent re-attach
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperr.New(apperr.TransientUnavailable, "serverless create transient failure")
	}
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.Internal, "serverless platform rejected service creation")
	}
	return nil
}

func (s *ServerlessDeployStrategy) pollReady(ctx context.Context, serviceName string, cancelled func() bool) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollMin
	b.MaxInterval = s.pollMax
	b.Multiplier = 2
	bctx := backoff.WithContext(b, ctx)

	var url string
	op := func() error {
		if cancelled != nil && cancelled() {
			return backoff.Permanent(apperr.New(apperr.PreconditionFailed, "deployment stopped").WithCode("cancelled"))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/services/"+serviceName, nil)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "build serverless status request"))
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		resp, err := s.http.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.TransientUnavailable, err, "serverless platform unreachable")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return apperr.New(apperr.TransientUnavailable, "serverless status transient failure")
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(apperr.New(apperr.Internal, "serverless platform rejected status check"))
		}
		var status serverlessStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "decode serverless status"))
		}
		if status.Ready {
			url = status.URL
			return nil
		}
		return fmt.Errorf("serverless service %s not ready", serviceName)
	}
	if err := backoff.Retry(op, bctx); err != nil {
		return "", classifyPollError(err)
	}
	return url, nil
}

func (s *ServerlessDeployStrategy) Teardown(ctx context.Context, serviceName string) error {
	if serviceName == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/services/"+serviceName, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build serverless teardown request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "serverless platform unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.TransientUnavailable, "serverless teardown transient failure")
	}
	return nil
}
