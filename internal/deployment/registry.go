package deployment

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
)

// HTTPRegistry verifies a tag exists and reports compatible architectures
// by querying the registry's passive manifest API, per §4.4 stage 3. The
// registry is a passive external collaborator per §6 — this is a read-only
// client, never a push path (pushing happens as a side effect of the build
// strategy's own success).
type HTTPRegistry struct {
	baseURL string
	http    *http.Client
}

func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

type manifestResponse struct {
	Architectures []string `json:"architectures"`
}

func (r *HTTPRegistry) VerifyImage(ctx context.Context, imageTag, targetArch string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v2/manifests/"+imageTag, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build registry request")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "registry unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.Internal, "image not found in registry: "+imageTag).WithCode("image_not_found")
	}
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.TransientUnavailable, "registry transient failure")
	}
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.Internal, "registry rejected manifest lookup")
	}

	var manifest manifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return apperr.Wrap(apperr.Internal, err, "decode registry manifest")
	}
	for _, arch := range manifest.Architectures {
		if arch == targetArch {
			return nil
		}
	}
	return apperr.New(apperr.Internal, "image "+imageTag+" has no "+targetArch+" variant").WithCode("arch_mismatch")
}
