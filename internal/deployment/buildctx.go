package deployment

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"

	"github.com/agentflow/control-plane/internal/apperr"
)

const dockerfileTemplate = `FROM %s/agent-runtime-base:latest
COPY flow.json /app/flow.json
ENV AGENT_FLOW_PATH=/app/flow.json
EXPOSE 8080
CMD ["agent-runtime", "serve"]
`

// MaterializeBuildContext renders an AgentVersion's config into a templated
// container build context (Dockerfile + flow artifact) and emits it as a
// gzipped tar archive in memory, per §4.4 stage 1. Using the standard
// archive/tar and compress/gzip packages here is a deliberate stdlib
// choice: no example repo in the pack carries a third-party tar/archive
// library, and the format itself (OCI build context) is a stdlib-shaped
// concern, not a domain dependency with an ecosystem alternative.
func MaterializeBuildContext(deploymentID, baseImageRegistry string, config json.RawMessage) (BuildContext, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	dockerfile := []byte(fmt.Sprintf(dockerfileTemplate, baseImageRegistry))
	if err := writeTarFile(tw, "Dockerfile", dockerfile); err != nil {
		return BuildContext{}, apperr.Wrap(apperr.Internal, err, "write Dockerfile to build context")
	}
	if err := writeTarFile(tw, "flow.json", config); err != nil {
		return BuildContext{}, apperr.Wrap(apperr.Internal, err, "write flow artifact to build context")
	}
	if err := tw.Close(); err != nil {
		return BuildContext{}, apperr.Wrap(apperr.Internal, err, "close build context archive")
	}
	if err := gz.Close(); err != nil {
		return BuildContext{}, apperr.Wrap(apperr.Internal, err, "flush build context archive")
	}

	return BuildContext{
		// Deterministic in deploymentID so a resumed worker derives the same
		// tag without consulting Metadata.ImageTag, per the idempotency rule
		// that external create calls use the deployment-id-derived name.
		ImageTag: fmt.Sprintf("agent-runtime-%s:latest", deploymentID),
		Archive:  buf.Bytes(),
	}, nil
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}
