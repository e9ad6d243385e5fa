package spec

// DeploymentSpec defines a deployment configuration as submitted by a user:
// where the source lives and how the resulting container should run.
type DeploymentSpec struct {
	Name            string        `json:"name"`
	RepoURL         string        `json:"repo_url"`
	Branch          string        `json:"branch"`
	RecipePath      string        `json:"recipe_path,omitempty"` // relative to the checkout root, default "Dockerfile"
	Environment     string        `json:"environment,omitempty"`
	AutoDeploy      bool          `json:"auto_deploy,omitempty"`
	RollbackEnabled bool          `json:"rollback_enabled,omitempty"`
	Container       ContainerSpec `json:"container,omitempty"`
}

// ContainerSpec is the base runtime configuration merged with decrypted
// secrets at deploy time.
type ContainerSpec struct {
	Env     map[string]string `json:"env,omitempty"`
	Ports   []PortBinding     `json:"ports,omitempty"`
	Volumes []VolumeMount     `json:"volumes,omitempty"`
	Network string            `json:"network,omitempty"`
	Limits  ResourceLimits    `json:"limits,omitempty"`
}

// PortBinding defines a host-to-container port mapping.
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
}

// VolumeMount defines a host path bind-mounted into the container.
type VolumeMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ResourceLimits caps the container's resource usage. Zero means unlimited.
type ResourceLimits struct {
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	NanoCPUs    int64 `json:"nano_cpus,omitempty"`
}
