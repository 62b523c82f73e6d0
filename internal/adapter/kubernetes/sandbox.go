package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/port/sandboxbackend"
)

const (
	sandboxCloneContainer = "clone"
	sandboxMainContainer  = "workspace"
)

// Backend runs sandboxes as pod+service+ingress triples in a fixed namespace
// on one cluster. Implements sandboxbackend.Backend.
type Backend struct {
	client    *Client
	cfg       config.Kubernetes
	namespace string
}

// NewBackend wires a sandbox backend onto an authenticated cluster client.
func NewBackend(client *Client, cfg config.Kubernetes, namespace string) *Backend {
	return &Backend{client: client, cfg: cfg, namespace: namespace}
}

func (b *Backend) Name() string { return "kubernetes" }

// Create boots the sandbox pod, exposes its port through a service, and, if
// an ingress domain is configured, publishes a preview host. Pre-existing
// resources with the same name are deleted first so retries start clean.
func (b *Backend) Create(ctx context.Context, req *sandboxbackend.CreateRequest) error {
	sb := req.Sandbox
	branch := firstNonEmpty(sb.Branch, req.Repo.DefaultBranch)
	name := sandboxName(b.cfg.NamePrefix, sb.RepositoryID, branch)
	labels := map[string]string{
		"app.kubernetes.io/managed-by": b.cfg.NamePrefix,
		b.cfg.NamePrefix + "/sandbox":  name,
	}

	if err := b.deleteResources(ctx, name); err != nil {
		slog.Warn("stale sandbox resource cleanup failed", "name", name, "error", err)
	}

	cloneURL := req.Repo.CloneURL
	if req.Repo.AuthToken != "" {
		cloneURL = strings.Replace(cloneURL, "https://", "https://x-access-token:"+req.Repo.AuthToken+"@", 1)
	}
	cloneCmd := fmt.Sprintf("set -e\ngit clone --depth 50 --branch %q %q %s/repo\n",
		branch, cloneURL, workspaceMount)

	env := make([]envVar, 0, len(req.EnvVars)+1)
	for _, k := range sortedKeys(req.EnvVars) {
		env = append(env, envVar{Name: k, Value: req.EnvVars[k]})
	}
	env = append(env, envVar{Name: "PORT", Value: fmt.Sprintf("%d", req.Runtime.Port)})

	startCmd := req.Runtime.StartCommand
	if req.Runtime.StartScript != "" {
		startCmd = req.Runtime.StartScript
	}

	p := pod{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "Pod"},
		Metadata: objectMeta{Name: name, Namespace: b.namespace, Labels: labels},
		Spec: podSpec{
			RestartPolicy: "Never",
			InitContainers: []container{{
				Name:         sandboxCloneContainer,
				Image:        b.cfg.GitCloneImage,
				Command:      []string{"sh", "-c"},
				Args:         []string{cloneCmd},
				VolumeMounts: []volumeMount{{Name: "workspace", MountPath: workspaceMount}},
			}},
			Containers: []container{{
				Name:         sandboxMainContainer,
				Image:        req.Runtime.Image,
				Command:      []string{"sh", "-c"},
				Args:         []string{startCmd},
				WorkingDir:   workspaceMount + "/repo",
				Env:          env,
				Ports:        []containerPort{{ContainerPort: req.Runtime.Port}},
				VolumeMounts: []volumeMount{{Name: "workspace", MountPath: workspaceMount}},
			}},
			Volumes: []volume{{Name: "workspace", EmptyDir: &emptyDirVolume{}}},
		},
	}
	if err := b.client.post(ctx, "/api/v1/namespaces/"+b.namespace+"/pods", p, nil); err != nil {
		return fmt.Errorf("create sandbox pod %s: %w", name, err)
	}

	svc := service{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "Service"},
		Metadata: objectMeta{Name: name, Namespace: b.namespace, Labels: labels},
		Spec: serviceSpec{
			Selector: map[string]string{b.cfg.NamePrefix + "/sandbox": name},
			Ports:    []servicePort{{Port: 80, TargetPort: req.Runtime.Port}},
		},
	}
	if err := b.client.post(ctx, "/api/v1/namespaces/"+b.namespace+"/services", svc, nil); err != nil {
		return fmt.Errorf("create sandbox service %s: %w", name, err)
	}

	sb.ProviderRef = name

	if b.cfg.IngressDomain != "" {
		host := fmt.Sprintf("%s.%s", name, b.cfg.IngressDomain)
		ing := ingress{
			typeMeta: typeMeta{APIVersion: "networking.k8s.io/v1", Kind: "Ingress"},
			Metadata: objectMeta{Name: name, Namespace: b.namespace, Labels: labels},
		}
		rule := ingressRule{Host: host}
		rule.HTTP.Paths = []ingressPath{{
			Path:     "/",
			PathType: "Prefix",
			Backend:  ingressBackend{Service: ingressServiceBackend{Name: name, Port: ingressServicePort{Number: 80}}},
		}}
		ing.Spec.Rules = []ingressRule{rule}
		if err := b.client.post(ctx, "/apis/networking.k8s.io/v1/namespaces/"+b.namespace+"/ingresses", ing, nil); err != nil {
			return fmt.Errorf("create sandbox ingress %s: %w", name, err)
		}
		sb.PreviewURL = "https://" + host
	}

	return nil
}

// Status maps the live pod phase onto a sandbox status. A vanished pod reads
// as stopped, not an error: the record is the durable side.
func (b *Backend) Status(ctx context.Context, sb *sandbox.Sandbox) (sandbox.Status, error) {
	var p pod
	err := b.client.get(ctx, "/api/v1/namespaces/"+b.namespace+"/pods/"+sb.ProviderRef, &p)
	if err != nil {
		if isNotFound(err) {
			return sandbox.StatusStopped, nil
		}
		return "", fmt.Errorf("sandbox status %s: %w", sb.ID, err)
	}

	switch p.Status.Phase {
	case "Pending":
		return sandbox.StatusCreating, nil
	case "Running":
		return sandbox.StatusRunning, nil
	case "Succeeded":
		return sandbox.StatusStopped, nil
	case "Failed":
		return sandbox.StatusError, nil
	}
	return sandbox.StatusCreating, nil
}

// Destroy tears down sandbox resources in reverse creation order. Each
// delete is best-effort; not-found is success, anything else is collected
// and returned after all three are attempted.
func (b *Backend) Destroy(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ProviderRef == "" {
		return nil
	}
	return b.deleteResources(ctx, sb.ProviderRef)
}

// deleteResources removes ingress, then service, then pod. A failed delete
// does not stop the later ones.
func (b *Backend) deleteResources(ctx context.Context, name string) error {
	paths := []string{
		"/apis/networking.k8s.io/v1/namespaces/" + b.namespace + "/ingresses/" + name,
		"/api/v1/namespaces/" + b.namespace + "/services/" + name,
		"/api/v1/namespaces/" + b.namespace + "/pods/" + name,
	}
	var errs []error
	for _, path := range paths {
		if err := b.client.delete(ctx, path); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("destroy sandbox resources %s: %w", name, err)
	}
	return nil
}

// Logs returns main-container output once it has started, and init-phase
// detail (clone progress, waiting reasons) before that.
func (b *Backend) Logs(ctx context.Context, sb *sandbox.Sandbox, tailLines int) (*sandbox.Logs, error) {
	var p pod
	if err := b.client.get(ctx, "/api/v1/namespaces/"+b.namespace+"/pods/"+sb.ProviderRef, &p); err != nil {
		return nil, fmt.Errorf("sandbox logs %s: %w", sb.ID, err)
	}

	if mainStarted(p.Status) {
		lines, err := b.client.PodLogs(ctx, b.namespace, sb.ProviderRef, sandboxMainContainer, tailLines)
		if err != nil {
			return nil, fmt.Errorf("sandbox logs %s: %w", sb.ID, err)
		}
		return &sandbox.Logs{Phase: sandbox.PhaseRunning, Lines: lines}, nil
	}

	lines, err := b.client.PodLogs(ctx, b.namespace, sb.ProviderRef, sandboxCloneContainer, tailLines)
	if err != nil {
		// Init container may not have produced logs yet; report the waiting
		// reason instead of failing the call.
		lines = ""
	}
	return &sandbox.Logs{
		Phase:  sandbox.PhaseInitializing,
		Reason: initReason(p.Status),
		Lines:  lines,
	}, nil
}

// mainStarted reports whether the workspace container has left the waiting state.
func mainStarted(st podStatus) bool {
	for _, cs := range st.ContainerStatuses {
		if cs.Name == sandboxMainContainer {
			return cs.State.Running != nil || cs.State.Terminated != nil
		}
	}
	return false
}

// initReason surfaces the most useful waiting/terminated detail from the
// init containers, falling back to the pod phase.
func initReason(st podStatus) string {
	for _, cs := range st.InitContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
			return cs.State.Terminated.Reason
		}
	}
	return st.Phase
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
