package models

import (
	"fmt"
	"time"
)

type ExposureMode string

const (
	ExposureInternal ExposureMode = "internal"
	ExposureExternal ExposureMode = "external"
)

func (m ExposureMode) Valid() bool {
	return m == ExposureInternal || m == ExposureExternal
}

type ImageRef struct {
	Repository string `json:"repository" toml:"repository" yaml:"repository"`
	Tag        string `json:"tag,omitempty" toml:"tag" yaml:"tag,omitempty"`
	Digest     string `json:"digest,omitempty" toml:"digest" yaml:"digest,omitempty"`
}

// String prefers the digest form since tags are mutable.
func (r ImageRef) String() string {
	switch {
	case r.Repository == "":
		return ""
	case r.Digest != "":
		return r.Repository + "@" + r.Digest
	case r.Tag != "":
		return r.Repository + ":" + r.Tag
	default:
		return r.Repository
	}
}

type Resources struct {
	MemoryMB int     `json:"memory_mb,omitempty" toml:"memory_mb" yaml:"memory_mb,omitempty"`
	CPU      float64 `json:"cpu,omitempty" toml:"cpu" yaml:"cpu,omitempty"`
}

type DeploymentSpec struct {
	Name       string       `json:"name"`
	Namespace  string       `json:"namespace,omitempty"`
	Replicas   int          `json:"replicas"`
	Image      ImageRef     `json:"image"`
	Port       int          `json:"port"`
	Exposure   ExposureMode `json:"exposure"`
	HealthPath string       `json:"health_path,omitempty"`

	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Resources Resources         `json:"resources"`

	Version  int    `json:"version"`
	Checksum string `json:"checksum"`
}

func (s DeploymentSpec) Workload() string {
	if s.Namespace == "" {
		return s.Name
	}
	return fmt.Sprintf("%s/%s", s.Namespace, s.Name)
}

// DeploymentTemplate is the base descriptor a project checks in (roll.toml
// or roll.yaml). Overrides are applied on top of it at rollout time.
type DeploymentTemplate struct {
	Name       string       `json:"name" toml:"name" yaml:"name"`
	Namespace  string       `json:"namespace,omitempty" toml:"namespace" yaml:"namespace,omitempty"`
	Replicas   int          `json:"replicas" toml:"replicas" yaml:"replicas"`
	Image      ImageRef     `json:"image" toml:"image" yaml:"image"`
	Port       int          `json:"port" toml:"port" yaml:"port"`
	Exposure   ExposureMode `json:"exposure" toml:"exposure" yaml:"exposure"`
	HealthPath string       `json:"health_path,omitempty" toml:"health_path" yaml:"health_path,omitempty"`

	Env       map[string]string `json:"env,omitempty" toml:"env" yaml:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" toml:"labels" yaml:"labels,omitempty"`
	Resources Resources         `json:"resources" toml:"resources" yaml:"resources"`

	Build BuildConfig `json:"build" toml:"build" yaml:"build"`
}

type BuildConfig struct {
	Context    string `json:"context,omitempty" toml:"context" yaml:"context,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty" toml:"dockerfile" yaml:"dockerfile,omitempty"`
}

// BuildRequest asks the publisher to build ContextDir and push the result
// as Repository:Tag.
type BuildRequest struct {
	ContextDir string `json:"context_dir"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

func (r BuildRequest) Image() string {
	return r.Repository + ":" + r.Tag
}

// TemplateFromSpec turns a resolved spec back into a template, which is how
// a workload's last good rollout becomes the base for the next one.
func TemplateFromSpec(s DeploymentSpec) DeploymentTemplate {
	return DeploymentTemplate{
		Name:       s.Name,
		Namespace:  s.Namespace,
		Replicas:   s.Replicas,
		Image:      s.Image,
		Port:       s.Port,
		Exposure:   s.Exposure,
		HealthPath: s.HealthPath,
		Env:        copyMap(s.Env),
		Labels:     copyMap(s.Labels),
		Resources:  s.Resources,
	}
}

type ArtifactRef struct {
	Repository string    `json:"repository"`
	Digest     string    `json:"digest"`
	Tag        string    `json:"tag,omitempty"`
	PushedAt   time.Time `json:"pushed_at,omitempty"`
}

func (a ArtifactRef) String() string {
	if a.Digest == "" {
		if a.Tag == "" {
			return a.Repository
		}
		return a.Repository + ":" + a.Tag
	}
	return a.Repository + "@" + a.Digest
}

func (a ArtifactRef) IsZero() bool {
	return a.Repository == "" && a.Digest == "" && a.Tag == ""
}

type WorkloadStatus struct {
	Desired   int32 `json:"desired"`
	Updated   int32 `json:"updated"`
	Ready     int32 `json:"ready"`
	Available int32 `json:"available"`
	Outdated  int32 `json:"outdated"`

	// Stale is set while the cluster has not yet observed the latest spec.
	Stale    bool     `json:"stale,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

func (s WorkloadStatus) Complete() bool {
	return !s.Stale &&
		s.Updated == s.Desired &&
		s.Ready == s.Desired &&
		s.Available == s.Desired &&
		s.Outdated == 0
}

func (s WorkloadStatus) String() string {
	return fmt.Sprintf("%d/%d ready", s.Ready, s.Desired)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
