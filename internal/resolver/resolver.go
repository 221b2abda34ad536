package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/aelpxy/roll/internal/constants"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// DigestFormat describes the only digest form accepted. Abbreviated
// digests such as sha256:abc are rejected.
const DigestFormat = "want sha256: followed by 64 hex characters"

const (
	envPrefix   = "env."
	labelPrefix = "labels."
)

// Keys lists the scalar override keys Resolve accepts. env.<KEY> and
// labels.<KEY> are accepted as well.
var Keys = []string{
	"name",
	"namespace",
	"replicas",
	"image",
	"image.repository",
	"image.tag",
	"image.digest",
	"port",
	"exposure",
	"health.path",
	"memory",
	"cpu",
}

type patch struct {
	spec models.DeploymentSpec
	// mergo skips zero values, so an explicit replicas=0 is tracked apart.
	zeroReplicas bool
	// image= replaces the whole reference rather than merging into it.
	replaceImage bool
}

type setter func(p *patch, value string) error

var setters = map[string]setter{
	"name": func(p *patch, v string) error {
		p.spec.Name = v
		return nil
	},
	"namespace": func(p *patch, v string) error {
		p.spec.Namespace = v
		return nil
	},
	"replicas": func(p *patch, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("replicas must be an integer, got %q", v)
		}
		if n == 0 {
			p.zeroReplicas = true
		}
		p.spec.Replicas = n
		return nil
	},
	"image": func(p *patch, v string) error {
		img, err := ParseImage(v)
		if err != nil {
			return err
		}
		p.spec.Image = img
		p.replaceImage = true
		return nil
	},
	"image.repository": func(p *patch, v string) error {
		if err := validateRepository(v); err != nil {
			return err
		}
		p.spec.Image.Repository = v
		return nil
	},
	"image.tag": func(p *patch, v string) error {
		p.spec.Image.Tag = v
		return nil
	},
	"image.digest": func(p *patch, v string) error {
		if _, err := digest.Parse(v); err != nil {
			return fmt.Errorf("invalid image digest %q: %v (%s)", v, err, DigestFormat)
		}
		p.spec.Image.Digest = v
		return nil
	},
	"port": func(p *patch, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("port must be an integer, got %q", v)
		}
		p.spec.Port = n
		return nil
	},
	"exposure": func(p *patch, v string) error {
		mode := models.ExposureMode(strings.ToLower(v))
		if !mode.Valid() {
			return fmt.Errorf("exposure must be internal or external, got %q", v)
		}
		p.spec.Exposure = mode
		return nil
	},
	"health.path": func(p *patch, v string) error {
		if !strings.HasPrefix(v, "/") {
			return fmt.Errorf("health.path must start with /, got %q", v)
		}
		p.spec.HealthPath = v
		return nil
	},
	"memory": func(p *patch, v string) error {
		mb, err := ParseMemory(v)
		if err != nil {
			return err
		}
		p.spec.Resources.MemoryMB = mb
		return nil
	},
	"cpu": func(p *patch, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("cpu must be a number, got %q", v)
		}
		p.spec.Resources.CPU = f
		return nil
	},
}

// Resolve merges overrides onto the template and validates the result. It
// has no side effects: the same inputs always produce the same spec,
// checksum included. Version is left for the caller to assign.
func Resolve(tmpl models.DeploymentTemplate, overrides map[string]string) (models.DeploymentSpec, error) {
	spec := specFromTemplate(tmpl)

	var problems []string

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var p patch
	for _, key := range keys {
		value := overrides[key]
		switch {
		case strings.HasPrefix(key, envPrefix) && len(key) > len(envPrefix):
			if p.spec.Env == nil {
				p.spec.Env = map[string]string{}
			}
			p.spec.Env[strings.TrimPrefix(key, envPrefix)] = value
		case strings.HasPrefix(key, labelPrefix) && len(key) > len(labelPrefix):
			if p.spec.Labels == nil {
				p.spec.Labels = map[string]string{}
			}
			p.spec.Labels[strings.TrimPrefix(key, labelPrefix)] = value
		default:
			set, ok := setters[key]
			if !ok {
				problems = append(problems, fmt.Sprintf("unrecognized override key %q", key))
				continue
			}
			if err := set(&p, value); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}

	if len(problems) == 0 {
		if err := mergo.Merge(&spec, p.spec, mergo.WithOverride); err != nil {
			return models.DeploymentSpec{}, fault.New(fault.Internal, "resolve", err)
		}
		if p.zeroReplicas {
			spec.Replicas = 0
		}
		if p.replaceImage {
			spec.Image = p.spec.Image
		}
		if spec.Exposure == "" {
			spec.Exposure = models.ExposureInternal
		}
		problems = append(problems, validate(spec)...)
	}

	if len(problems) > 0 {
		return models.DeploymentSpec{}, &fault.Error{
			Kind: fault.Validation,
			Op:   "resolve",
			Help: "fix the template or overrides and start a new rollout",
			Err:  fmt.Errorf("invalid deployment spec: %s", strings.Join(problems, "; ")),
		}
	}

	spec.Checksum = Checksum(spec)
	return spec, nil
}

// WithArtifact pins the spec's image to a published digest.
func WithArtifact(spec models.DeploymentSpec, artifact models.ArtifactRef) models.DeploymentSpec {
	spec.Image.Repository = artifact.Repository
	spec.Image.Digest = artifact.Digest
	if artifact.Tag != "" {
		spec.Image.Tag = artifact.Tag
	}
	spec.Checksum = Checksum(spec)
	return spec
}

// Checksum is the content digest of a spec, ignoring the version the
// controller stamps on it.
func Checksum(spec models.DeploymentSpec) string {
	spec.Version = 0
	spec.Checksum = ""
	data, err := json.Marshal(spec)
	if err != nil {
		// plain structs of strings and numbers always marshal
		panic(err)
	}
	return digest.FromBytes(data).String()
}

func ParseImage(s string) (models.ImageRef, error) {
	ref, err := reference.Parse(s)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("invalid image reference %q: %v", s, err)
	}
	named, ok := ref.(reference.Named)
	if !ok {
		return models.ImageRef{}, fmt.Errorf("image reference %q has no repository", s)
	}

	img := models.ImageRef{Repository: named.Name()}
	if tagged, ok := ref.(reference.Tagged); ok {
		img.Tag = tagged.Tag()
	}
	if digested, ok := ref.(reference.Digested); ok {
		img.Digest = digested.Digest().String()
	}
	return img, nil
}

// ParseMemory accepts plain megabytes or an M/G suffix.
func ParseMemory(mem string) (int, error) {
	var value int
	var unit string

	n, _ := fmt.Sscanf(mem, "%d%s", &value, &unit)
	if n == 0 {
		return 0, fmt.Errorf("invalid memory %q", mem)
	}

	switch unit {
	case "", "M", "m", "MB", "mb", "Mi":
		return value, nil
	case "G", "g", "GB", "gb", "Gi":
		return value * 1024, nil
	default:
		return 0, fmt.Errorf("invalid memory unit in %q (use M or G)", mem)
	}
}

func validateRepository(repo string) error {
	ref, err := reference.Parse(repo)
	if err != nil {
		return fmt.Errorf("invalid image repository %q: %v", repo, err)
	}
	if _, ok := ref.(reference.Tagged); ok {
		return fmt.Errorf("image repository %q must not carry a tag", repo)
	}
	if _, ok := ref.(reference.Digested); ok {
		return fmt.Errorf("image repository %q must not carry a digest", repo)
	}
	return nil
}

func validate(spec models.DeploymentSpec) []string {
	var problems []string

	if err := utils.ValidateName(spec.Name); err != nil {
		problems = append(problems, "name: "+err.Error())
	}
	if spec.Namespace != "" {
		if err := utils.ValidateName(spec.Namespace); err != nil {
			problems = append(problems, "namespace: "+err.Error())
		}
	}

	if spec.Image.Repository == "" {
		problems = append(problems, "image repository is required")
	} else if err := validateRepository(spec.Image.Repository); err != nil {
		problems = append(problems, err.Error())
	}
	if spec.Image.Repository != "" && spec.Image.Tag == "" && spec.Image.Digest == "" {
		problems = append(problems, "image tag or digest is required")
	}
	if spec.Image.Digest != "" {
		if _, err := digest.Parse(spec.Image.Digest); err != nil {
			problems = append(problems, fmt.Sprintf("invalid image digest %q (%s)", spec.Image.Digest, DigestFormat))
		}
	}

	if spec.Port == 0 {
		problems = append(problems, "port is required")
	} else if spec.Port < constants.MinPort || spec.Port > constants.MaxPort {
		problems = append(problems, fmt.Sprintf("port must be between %d and %d, got %d", constants.MinPort, constants.MaxPort, spec.Port))
	}

	if spec.Replicas < constants.MinReplicas || spec.Replicas > constants.MaxReplicas {
		problems = append(problems, fmt.Sprintf("replicas must be between %d and %d, got %d", constants.MinReplicas, constants.MaxReplicas, spec.Replicas))
	}
	if !spec.Exposure.Valid() {
		problems = append(problems, fmt.Sprintf("exposure must be internal or external, got %q", spec.Exposure))
	}

	if spec.Resources.MemoryMB < constants.MinMemoryMB || spec.Resources.MemoryMB > constants.MaxMemoryMB {
		problems = append(problems, fmt.Sprintf("memory must be at most %dMB", constants.MaxMemoryMB))
	}
	if spec.Resources.CPU < 0 || spec.Resources.CPU > constants.MaxCPUCores {
		problems = append(problems, fmt.Sprintf("cpu must be between 0 and %d cores", constants.MaxCPUCores))
	}

	return problems
}

func specFromTemplate(tmpl models.DeploymentTemplate) models.DeploymentSpec {
	spec := models.DeploymentSpec{
		Name:       tmpl.Name,
		Namespace:  tmpl.Namespace,
		Replicas:   tmpl.Replicas,
		Image:      tmpl.Image,
		Port:       tmpl.Port,
		Exposure:   tmpl.Exposure,
		HealthPath: tmpl.HealthPath,
		Resources:  tmpl.Resources,
	}
	if len(tmpl.Env) > 0 {
		spec.Env = make(map[string]string, len(tmpl.Env))
		for k, v := range tmpl.Env {
			spec.Env[k] = v
		}
	}
	if len(tmpl.Labels) > 0 {
		spec.Labels = make(map[string]string, len(tmpl.Labels))
		for k, v := range tmpl.Labels {
			spec.Labels[k] = v
		}
	}
	return spec
}
