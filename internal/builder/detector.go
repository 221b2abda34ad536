package builder

import (
	"os"
	"path/filepath"
)

// HasDockerfile reports whether projectPath can be built as is.
func HasDockerfile(projectPath string) bool {
	_, err := os.Stat(filepath.Join(projectPath, "Dockerfile"))
	return err == nil
}

var languageMarkers = []struct {
	file     string
	language string
}{
	{"package.json", "nodejs"},
	{"requirements.txt", "python"},
	{"Pipfile", "python"},
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
}

func DetectLanguage(projectPath string) string {
	for _, m := range languageMarkers {
		if _, err := os.Stat(filepath.Join(projectPath, m.file)); err == nil {
			return m.language
		}
	}
	return "unknown"
}

func GetDefaultPort(language string) int {
	defaults := map[string]int{
		"nodejs": 3000,
		"python": 8000,
		"go":     8080,
		"rust":   8080,
		"ruby":   3000,
		"java":   8080,
	}

	if port, ok := defaults[language]; ok {
		return port
	}

	return 8080
}
