package kubernetes

// Minimal API object shapes for the resources this adapter manages. JSON tags
// match the upstream wire format; fields we never set or read are omitted.

type objectMeta struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type typeMeta struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

type namespaceObj struct {
	typeMeta
	Metadata objectMeta `json:"metadata"`
}

type serviceAccount struct {
	typeMeta
	Metadata objectMeta `json:"metadata"`
}

type policyRule struct {
	APIGroups []string `json:"apiGroups"`
	Resources []string `json:"resources"`
	Verbs     []string `json:"verbs"`
}

type role struct {
	typeMeta
	Metadata objectMeta   `json:"metadata"`
	Rules    []policyRule `json:"rules"`
}

type roleRef struct {
	APIGroup string `json:"apiGroup"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

type rbacSubject struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

type roleBinding struct {
	typeMeta
	Metadata objectMeta    `json:"metadata"`
	RoleRef  roleRef       `json:"roleRef"`
	Subjects []rbacSubject `json:"subjects"`
}

type resourceQuota struct {
	typeMeta
	Metadata objectMeta        `json:"metadata"`
	Spec     resourceQuotaSpec `json:"spec"`
}

type resourceQuotaSpec struct {
	Hard map[string]string `json:"hard"`
}

type secret struct {
	typeMeta
	Metadata   objectMeta        `json:"metadata"`
	Type       string            `json:"type,omitempty"`
	StringData map[string]string `json:"stringData,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerPort struct {
	ContainerPort int `json:"containerPort"`
}

type volumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
}

type emptyDirVolume struct{}

type volume struct {
	Name     string          `json:"name"`
	EmptyDir *emptyDirVolume `json:"emptyDir,omitempty"`
}

type resourceRequirements struct {
	Requests map[string]string `json:"requests,omitempty"`
	Limits   map[string]string `json:"limits,omitempty"`
}

type container struct {
	Name         string               `json:"name"`
	Image        string               `json:"image"`
	Command      []string             `json:"command,omitempty"`
	Args         []string             `json:"args,omitempty"`
	WorkingDir   string               `json:"workingDir,omitempty"`
	Env          []envVar             `json:"env,omitempty"`
	Ports        []containerPort      `json:"ports,omitempty"`
	VolumeMounts []volumeMount        `json:"volumeMounts,omitempty"`
	Resources    resourceRequirements `json:"resources,omitempty"`
}

type podSpec struct {
	ServiceAccountName string      `json:"serviceAccountName,omitempty"`
	RestartPolicy      string      `json:"restartPolicy,omitempty"`
	InitContainers     []container `json:"initContainers,omitempty"`
	Containers         []container `json:"containers"`
	Volumes            []volume    `json:"volumes,omitempty"`
}

type containerStateWaiting struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type containerStateTerminated struct {
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason"`
}

type containerState struct {
	Waiting    *containerStateWaiting    `json:"waiting,omitempty"`
	Running    *struct{}                 `json:"running,omitempty"`
	Terminated *containerStateTerminated `json:"terminated,omitempty"`
}

type containerStatus struct {
	Name  string         `json:"name"`
	Ready bool           `json:"ready"`
	State containerState `json:"state"`
}

type podStatus struct {
	Phase                 string            `json:"phase"`
	InitContainerStatuses []containerStatus `json:"initContainerStatuses,omitempty"`
	ContainerStatuses     []containerStatus `json:"containerStatuses,omitempty"`
}

type pod struct {
	typeMeta
	Metadata objectMeta `json:"metadata"`
	Spec     podSpec    `json:"spec"`
	Status   podStatus  `json:"status,omitempty"`
}

type servicePort struct {
	Port       int `json:"port"`
	TargetPort int `json:"targetPort"`
}

type serviceSpec struct {
	Selector map[string]string `json:"selector"`
	Ports    []servicePort     `json:"ports"`
}

type service struct {
	typeMeta
	Metadata objectMeta  `json:"metadata"`
	Spec     serviceSpec `json:"spec"`
}

type ingressBackend struct {
	Service ingressServiceBackend `json:"service"`
}

type ingressServiceBackend struct {
	Name string             `json:"name"`
	Port ingressServicePort `json:"port"`
}

type ingressServicePort struct {
	Number int `json:"number"`
}

type ingressPath struct {
	Path     string         `json:"path"`
	PathType string         `json:"pathType"`
	Backend  ingressBackend `json:"backend"`
}

type ingressRule struct {
	Host string `json:"host"`
	HTTP struct {
		Paths []ingressPath `json:"paths"`
	} `json:"http"`
}

type ingress struct {
	typeMeta
	Metadata objectMeta `json:"metadata"`
	Spec     struct {
		Rules []ingressRule `json:"rules"`
	} `json:"spec"`
}

type podTemplateSpec struct {
	Metadata objectMeta `json:"metadata"`
	Spec     podSpec    `json:"spec"`
}

type jobSpec struct {
	BackoffLimit            int             `json:"backoffLimit"`
	ActiveDeadlineSeconds   int64           `json:"activeDeadlineSeconds,omitempty"`
	TTLSecondsAfterFinished int64           `json:"ttlSecondsAfterFinished,omitempty"`
	Template                podTemplateSpec `json:"template"`
}

type job struct {
	typeMeta
	Metadata objectMeta `json:"metadata"`
	Spec     jobSpec    `json:"spec"`
}
