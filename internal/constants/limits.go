package constants

const (
	// Kubernetes object names are DNS-1123 labels.
	MaxNameLength = 63
	MinNameLength = 1

	MaxMemoryMB = 65536
	MinMemoryMB = 0
	MaxCPUCores = 64
	MaxReplicas = 100
	MinReplicas = 0

	MinPort = 1
	MaxPort = 65535

	DefaultReplicas   = 1
	DefaultHealthPath = "/health"
)
