package project

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/aelpxy/roll/internal/constants"
	"github.com/aelpxy/roll/pkg/models"
	"gopkg.in/yaml.v3"
)

// Template files looked up in a project directory, in order.
var TemplateFiles = []string{"roll.toml", "roll.yaml", "roll.yml"}

// Find returns the path of the first template file present in projectPath.
func Find(projectPath string) (string, error) {
	for _, name := range TemplateFiles {
		p := filepath.Join(projectPath, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no roll.toml or roll.yaml found in %s", projectPath)
}

// Load reads the deployment template of the project at projectPath.
func Load(projectPath string) (*models.DeploymentTemplate, error) {
	path, err := Find(projectPath)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadIfExists is Load, but a project without a template is not an error.
func LoadIfExists(projectPath string) (*models.DeploymentTemplate, error) {
	if _, err := Find(projectPath); err != nil {
		return nil, nil
	}
	return Load(projectPath)
}

func LoadFile(path string) (*models.DeploymentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var tmpl models.DeploymentTemplate
	var hasReplicas bool

	switch filepath.Ext(path) {
	case ".toml":
		md, err := toml.Decode(string(data), &tmpl)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), filepath.Base(path))
		}
		hasReplicas = md.IsDefined("replicas")
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err == nil {
			_, hasReplicas = raw["replicas"]
		}
	default:
		return nil, fmt.Errorf("unsupported template format: %s", path)
	}

	if err := validateAndSetDefaults(&tmpl, hasReplicas, filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	return &tmpl, nil
}

// Save writes the template as roll.toml in projectPath.
func Save(projectPath string, tmpl models.DeploymentTemplate) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tmpl); err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	path := filepath.Join(projectPath, TemplateFiles[0])
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", TemplateFiles[0], err)
	}
	return nil
}

// An explicit replicas = 0 is kept; only an absent key defaults.
func validateAndSetDefaults(tmpl *models.DeploymentTemplate, hasReplicas bool, dir string) error {
	if tmpl.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !hasReplicas {
		tmpl.Replicas = constants.DefaultReplicas
	}
	if tmpl.Exposure == "" {
		tmpl.Exposure = models.ExposureInternal
	}
	if !tmpl.Exposure.Valid() {
		return fmt.Errorf("invalid exposure: %s (must be internal or external)", tmpl.Exposure)
	}
	if tmpl.HealthPath == "" {
		tmpl.HealthPath = constants.DefaultHealthPath
	}

	if tmpl.Build.Context != "" && !filepath.IsAbs(tmpl.Build.Context) {
		tmpl.Build.Context = filepath.Join(dir, tmpl.Build.Context)
	}
	if tmpl.Build.Context != "" && tmpl.Build.Dockerfile == "" {
		tmpl.Build.Dockerfile = "Dockerfile"
	}

	return nil
}
