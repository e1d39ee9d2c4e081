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

// ClusterDeployStrategy applies a Deployment + Service manifest to a
// cluster control API and waits for ready replicas >= min_replicas, per
// §4.4's cluster branch. Grounded structurally on the teacher's
// internal/process/k8s.go naming convention (agent-<owner>-<name>), ported
// from a local kubectl-apply shell-out to an HTTP client against the
// cluster's own control API, since shell glue around kubectl is explicitly
// out of scope (see DESIGN.md).
type ClusterDeployStrategy struct {
	baseURL       string
	token         string
	namespace     string
	http          *http.Client
	pollMin       time.Duration
	pollMax       time.Duration
	stageDeadline time.Duration
}

func NewClusterDeployStrategy(baseURL, token, namespace string, pollMin, pollMax, stageDeadline time.Duration) *ClusterDeployStrategy {
	if namespace == "" {
		namespace = "agentflow"
	}
	return &ClusterDeployStrategy{
		baseURL: baseURL, token: token, namespace: namespace,
		http: &http.Client{Timeout: 30 * time.Second},
		pollMin: pollMin, pollMax: pollMax, stageDeadline: stageDeadline,
	}
}

func (s *ClusterDeployStrategy) Kind() DeployStrategyKind { return DeployCluster }

type clusterStatusResponse struct {
	ReadyReplicas int    `json:"ready_replicas"`
	URL           string `json:"url"`
}

func (s *ClusterDeployStrategy) Deploy(ctx context.Context, job DeployJob, cancelled func() bool) (DeployResult, error) {
	serviceName := job.ResumeName
	if serviceName == "" {
		serviceName = "agent-runtime-" + job.DeploymentID
		if err := s.apply(ctx, serviceName, job); err != nil {
			return DeployResult{}, err
		}
	}

	minReplicas := job.Config.MinReplicas
	if minReplicas < 1 {
		minReplicas = 1
	}

	stageCtx, cancel := context.WithTimeout(ctx, s.stageDeadline)
	defer cancel()
	url, err := s.pollReady(stageCtx, serviceName, minReplicas, cancelled)
	if err != nil {
		return DeployResult{}, err
	}
	return DeployResult{ServiceName: serviceName, EndpointURL: url}, nil
}

func (s *ClusterDeployStrategy) apply(ctx context.Context, name string, job DeployJob) error {
	body, _ := json.Marshal(map[string]any{
		"name":         name,
		"namespace":    s.namespace,
		"image":        job.ImageTag,
		"port":         8080,
		"min_replicas": job.Config.MinReplicas,
		"max_replicas": job.Config.MaxReplicas,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/deployments/"+name, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build cluster apply request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "cluster control API unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperr.New(apperr.TransientUnavailable, "cluster apply transient failure")
	}
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.Internal, "cluster control API rejected manifest apply")
	}
	return nil
}

func (s *ClusterDeployStrategy) pollReady(ctx context.Context, name string, minReplicas int, cancelled func() bool) (string, error) {
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
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/deployments/"+name+"/status", nil)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "build cluster status request"))
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		resp, err := s.http.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.TransientUnavailable, err, "cluster control API unreachable")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return apperr.New(apperr.TransientUnavailable, "cluster status transient failure")
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(apperr.New(apperr.Internal, "cluster control API rejected status check"))
		}
		var status clusterStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Internal, err, "decode cluster status"))
		}
		if status.ReadyReplicas >= minReplicas {
			url = status.URL
			return nil
		}
		return fmt.Errorf("cluster deployment %s has %d/%d ready replicas", name, status.ReadyReplicas, minReplicas)
	}
	if err := backoff.Retry(op, bctx); err != nil {
		return "", classifyPollError(err)
	}
	return url, nil
}

func (s *ClusterDeployStrategy) Teardown(ctx context.Context, serviceName string) error {
	if serviceName == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/deployments/"+serviceName, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build cluster teardown request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "cluster control API unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.TransientUnavailable, "cluster teardown transient failure")
	}
	return nil
}
