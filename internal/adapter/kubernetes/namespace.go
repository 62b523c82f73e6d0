package kubernetes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/runforge/runforge/internal/config"
)

const agentServiceAccount = "agent-runner"

// EnsureNamespace provisions the tenant namespace and its scaffolding:
// service account, role, role binding, and resource quota. Safe to call on
// every dispatch; existing resources are left or replaced in place.
func (c *Client) EnsureNamespace(ctx context.Context, cfg config.Kubernetes, tenantSlug string) (string, error) {
	ns := NamespaceName(cfg.NamePrefix, tenantSlug)

	nsObj := namespaceObj{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "Namespace"},
		Metadata: objectMeta{
			Name:   ns,
			Labels: map[string]string{"app.kubernetes.io/managed-by": cfg.NamePrefix},
		},
	}
	if err := c.createIfAbsent(ctx, "/api/v1/namespaces", nsObj); err != nil {
		return "", fmt.Errorf("ensure namespace %s: %w", ns, err)
	}

	sa := serviceAccount{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "ServiceAccount"},
		Metadata: objectMeta{Name: agentServiceAccount, Namespace: ns},
	}
	if err := c.createIfAbsent(ctx, "/api/v1/namespaces/"+ns+"/serviceaccounts", sa); err != nil {
		return "", fmt.Errorf("ensure service account in %s: %w", ns, err)
	}

	// The agent may watch its own pods and jobs and read the git credential
	// secret, nothing else.
	r := role{
		typeMeta: typeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "Role"},
		Metadata: objectMeta{Name: agentServiceAccount, Namespace: ns},
		Rules: []policyRule{
			{APIGroups: []string{""}, Resources: []string{"pods", "pods/log"}, Verbs: []string{"get", "list", "watch"}},
			{APIGroups: []string{"batch"}, Resources: []string{"jobs"}, Verbs: []string{"get", "list", "watch", "create", "delete"}},
			{APIGroups: []string{""}, Resources: []string{"secrets"}, Verbs: []string{"get"}},
		},
	}
	rolesPath := "/apis/rbac.authorization.k8s.io/v1/namespaces/" + ns + "/roles"
	if err := c.createOrReplace(ctx, rolesPath, r.Metadata.Name, r); err != nil {
		return "", fmt.Errorf("ensure role in %s: %w", ns, err)
	}

	rb := roleBinding{
		typeMeta: typeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "RoleBinding"},
		Metadata: objectMeta{Name: agentServiceAccount, Namespace: ns},
		RoleRef:  roleRef{APIGroup: "rbac.authorization.k8s.io", Kind: "Role", Name: agentServiceAccount},
		Subjects: []rbacSubject{{Kind: "ServiceAccount", Name: agentServiceAccount, Namespace: ns}},
	}
	bindingsPath := "/apis/rbac.authorization.k8s.io/v1/namespaces/" + ns + "/rolebindings"
	if err := c.createOrReplace(ctx, bindingsPath, rb.Metadata.Name, rb); err != nil {
		return "", fmt.Errorf("ensure role binding in %s: %w", ns, err)
	}

	quota := resourceQuota{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "ResourceQuota"},
		Metadata: objectMeta{Name: "tenant-quota", Namespace: ns},
		Spec: resourceQuotaSpec{Hard: map[string]string{
			"limits.cpu":    cfg.QuotaCPU,
			"limits.memory": cfg.QuotaMemory,
			"pods":          strconv.Itoa(cfg.QuotaPods),
		}},
	}
	quotasPath := "/api/v1/namespaces/" + ns + "/resourcequotas"
	if err := c.createOrReplace(ctx, quotasPath, quota.Metadata.Name, quota); err != nil {
		return "", fmt.Errorf("ensure resource quota in %s: %w", ns, err)
	}

	return ns, nil
}

// EnsureGitCredentialSecret writes the connector's git credentials into the
// namespace, replacing any stale token from a previous dispatch.
func (c *Client) EnsureGitCredentialSecret(ctx context.Context, namespace, connectorID, token string) (string, error) {
	name := GitSecretName(connectorID)
	sec := secret{
		typeMeta: typeMeta{APIVersion: "v1", Kind: "Secret"},
		Metadata: objectMeta{Name: name, Namespace: namespace},
		Type:     "Opaque",
		StringData: map[string]string{
			"token": token,
		},
	}
	secretsPath := "/api/v1/namespaces/" + namespace + "/secrets"
	if err := c.createOrReplace(ctx, secretsPath, name, sec); err != nil {
		return "", fmt.Errorf("ensure git credential secret %s: %w", name, err)
	}
	return name, nil
}
