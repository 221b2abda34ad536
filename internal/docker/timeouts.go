package docker

import "time"

const (
	ImagePullTimeout   = 10 * time.Minute
	ImageBuildTimeout  = 15 * time.Minute
	ContainerOpTimeout = 30 * time.Second
)
