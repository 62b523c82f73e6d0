package kubernetes

import (
	"context"
	"fmt"
	"strings"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain/payload"
)

const (
	payloadEnvVar  = "RUNFORGE_PAYLOAD"
	workspaceMount = "/workspace"
)

// LaunchAgentJob creates the batch Job that executes a run. The init
// container clones the primary repository and prepares the working branch;
// the agent container receives the full payload base64-encoded in a single
// env var and does everything else.
func (c *Client) LaunchAgentJob(ctx context.Context, cfg config.Kubernetes, namespace string, p *payload.JobPayload) (string, error) {
	if p.Repo == nil {
		return "", fmt.Errorf("launch job for run %s: payload has no primary repo", p.RunID)
	}
	encoded, err := p.EncodeBase64()
	if err != nil {
		return "", fmt.Errorf("launch job for run %s: %w", p.RunID, err)
	}

	name := JobName(cfg.NamePrefix, p.RunID)
	branch := BranchName(cfg.NamePrefix, string(p.Mode), p.RunID)

	deadline := int64(cfg.DefaultDeadline.Seconds())
	if p.Constraints.TimeBudgetSec > 0 {
		deadline = int64(p.Constraints.TimeBudgetSec)
	}

	workspace := volume{Name: "workspace", EmptyDir: &emptyDirVolume{}}
	mounts := []volumeMount{{Name: "workspace", MountPath: workspaceMount}}

	j := job{
		typeMeta: typeMeta{APIVersion: "batch/v1", Kind: "Job"},
		Metadata: objectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": cfg.NamePrefix,
				cfg.NamePrefix + "/run-id":     p.RunID,
			},
		},
		Spec: jobSpec{
			BackoffLimit:            0,
			ActiveDeadlineSeconds:   deadline,
			TTLSecondsAfterFinished: int64(cfg.JobTTL.Seconds()),
			Template: podTemplateSpec{
				Metadata: objectMeta{
					Labels: map[string]string{cfg.NamePrefix + "/run-id": p.RunID},
				},
				Spec: podSpec{
					ServiceAccountName: agentServiceAccount,
					RestartPolicy:      "Never",
					InitContainers: []container{{
						Name:         "clone",
						Image:        cfg.GitCloneImage,
						Command:      []string{"sh", "-c"},
						Args:         []string{cloneScript(p.Repo, branch, p.IsContinuation)},
						VolumeMounts: mounts,
					}},
					Containers: []container{{
						Name:       "agent",
						Image:      cfg.AgentImage,
						WorkingDir: workspaceMount + "/repo",
						Env: []envVar{
							{Name: payloadEnvVar, Value: encoded},
							{Name: "RUNFORGE_RUN_ID", Value: p.RunID},
						},
						VolumeMounts: mounts,
					}},
					Volumes: []volume{workspace},
				},
			},
		},
	}

	jobsPath := "/apis/batch/v1/namespaces/" + namespace + "/jobs"
	if err := c.post(ctx, jobsPath, j, nil); err != nil {
		return "", fmt.Errorf("launch job %s: %w", name, err)
	}
	return name, nil
}

// cloneScript builds the init-container shell script. The token is read from
// the mounted credential env injected by the agent image wrapper; the clone
// URL carries it inline only inside the pod.
func cloneScript(r *payload.Repo, branch string, continuation bool) string {
	cloneURL := r.CloneURL
	if r.AuthToken != "" {
		cloneURL = strings.Replace(cloneURL, "https://", "https://x-access-token:"+r.AuthToken+"@", 1)
	}

	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "git clone --depth 50 --branch %q %q %s/repo\n", r.DefaultBranch, cloneURL, workspaceMount)
	fmt.Fprintf(&b, "cd %s/repo\n", workspaceMount)
	if continuation {
		// Continuation runs resume the branch pushed by the previous step.
		fmt.Fprintf(&b, "git fetch origin %q && git checkout %q || git checkout -b %q\n", branch, branch, branch)
	} else {
		fmt.Fprintf(&b, "git checkout -b %q\n", branch)
	}
	if r.ForkCloneURL != "" {
		forkURL := r.ForkCloneURL
		if r.AuthToken != "" {
			forkURL = strings.Replace(forkURL, "https://", "https://x-access-token:"+r.AuthToken+"@", 1)
		}
		// Fetched up front so the agent can push to the fork and open a
		// cross-repository pull request without further network setup.
		fmt.Fprintf(&b, "git remote add fork %q\n", forkURL)
		b.WriteString("git fetch fork\n")
	}
	if r.Ref != "" {
		fmt.Fprintf(&b, "git fetch origin %q\n", r.Ref)
	}
	return b.String()
}
