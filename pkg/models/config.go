package models

type GlobalConfig struct {
	Cluster  ClusterConfig  `toml:"cluster" json:"cluster"`
	Registry RegistryConfig `toml:"registry" json:"registry"`
	Rollout  RolloutConfig  `toml:"rollout" json:"rollout"`
	Publish  PublishConfig  `toml:"publish" json:"publish"`
	Store    StoreConfig    `toml:"store" json:"store"`
	Log      LogConfig      `toml:"log" json:"log"`
	Server   ServerConfig   `toml:"server" json:"server"`
}

type ClusterBackend string

const (
	ClusterBackendKubernetes ClusterBackend = "kubernetes"
	ClusterBackendDocker     ClusterBackend = "docker"
)

type ClusterConfig struct {
	Backend    ClusterBackend `toml:"backend" json:"backend"`
	Kubeconfig string         `toml:"kubeconfig" json:"kubeconfig"`
	Context    string         `toml:"context" json:"context"`
	Namespace  string         `toml:"namespace" json:"namespace"`
	DockerHost string         `toml:"docker_host" json:"docker_host"`
}

type RegistryConfig struct {
	Prefix   string `toml:"prefix" json:"prefix"`
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"-"`
	Token    string `toml:"token" json:"-"`
	Insecure bool   `toml:"insecure" json:"insecure"`
}

// Durations are in seconds to keep the file friendly to hand edits.
type RolloutConfig struct {
	PollInterval  int `toml:"poll_interval" json:"poll_interval"`
	MaxPolls      int `toml:"max_polls" json:"max_polls"`
	VerifyTimeout int `toml:"verify_timeout" json:"verify_timeout"`
	Timeout       int `toml:"timeout" json:"timeout"`
}

type PublishConfig struct {
	Attempts   int `toml:"attempts" json:"attempts"`
	Backoff    int `toml:"backoff" json:"backoff"`
	MaxBackoff int `toml:"max_backoff" json:"max_backoff"`
}

type StoreBackend string

const (
	StoreBackendFile   StoreBackend = "file"
	StoreBackendSQLite StoreBackend = "sqlite"
)

type StoreConfig struct {
	Backend StoreBackend `toml:"backend" json:"backend"`
	Path    string       `toml:"path" json:"path"`
}

type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

type ServerConfig struct {
	Listen string `toml:"listen" json:"listen"`
}
