package kubernetes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NamespaceName returns the per-tenant namespace: <prefix>-<tenantSlug>.
func NamespaceName(prefix, tenantSlug string) string {
	return fmt.Sprintf("%s-%s", prefix, tenantSlug)
}

// JobName returns the agent job name: <prefix>-agent-<runID>.
func JobName(prefix, runID string) string {
	return fmt.Sprintf("%s-agent-%s", prefix, runID)
}

// BranchName returns the working branch: <prefix>/<mode>/<runID>.
func BranchName(prefix, mode, runID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, mode, runID)
}

// GitSecretName returns the per-connector credential secret: git-cred-<connectorID>.
func GitSecretName(connectorID string) string {
	return "git-cred-" + connectorID
}

// sandboxName returns the pod/service/ingress name for a sandbox. The name
// is keyed on repository and branch, not the record ID, so re-creating a
// sandbox for the same repo+branch replaces the previous resources instead
// of piling up duplicates.
func sandboxName(prefix, repositoryID, branch string) string {
	sum := sha256.Sum256([]byte(repositoryID + "\n" + branch))
	return fmt.Sprintf("%s-sbx-%s", prefix, hex.EncodeToString(sum[:5]))
}
