package corofiber

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// BackendName is the hub-selection name carried in Config (spec §6 "Hub
// selection name"). NewDefaultBackend does not consult it.
type BackendName string

const (
	BackendEpoll  BackendName = "epoll"
	BackendSelect BackendName = "select"
)

// Config is the small set of configuration inputs named in spec §6:
// hub backend selection and the tpool thread count. It is read once, at
// first use, from an optional YAML file and then environment variables,
// which override the file, mirroring the layering in
// Egham-7-adaptive-proxy's config loader.
type Config struct {
	Backend      BackendName `yaml:"backend"`
	TpoolThreads int         `yaml:"tpool_threads"`
}

const (
	envBackend          = "COROFIBER_HUB"
	envTpoolThreads     = "COROFIBER_TPOOL_THREADS"
	defaultYAMLPath     = "corofiber.yaml"
	defaultTpoolThreads = 20
)

func defaultConfig() Config {
	return Config{
		Backend:      BackendEpoll,
		TpoolThreads: defaultTpoolThreads,
	}
}

var (
	loadOnce   sync.Once
	loaded     Config
	loadErr    error
)

// LoadConfig loads the package configuration exactly once across the
// life of the process: an optional corofiber.yaml in the working
// directory first, then environment variables, each layer overriding the
// previous (spec §6 "read once at first use"). Subsequent calls return
// the cached result.
func LoadConfig() (Config, error) {
	loadOnce.Do(func() {
		loaded, loadErr = loadConfig()
	})
	return loaded, loadErr
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(defaultYAMLPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("corofiber: parsing %s: %w", defaultYAMLPath, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("corofiber: reading %s: %w", defaultYAMLPath, err)
	}

	if v, ok := os.LookupEnv(envBackend); ok {
		cfg.Backend = BackendName(v)
	}
	if v, ok := os.LookupEnv(envTpoolThreads); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return cfg, fmt.Errorf("corofiber: %s: %w", envTpoolThreads, err)
		}
		cfg.TpoolThreads = n
	}

	return cfg, nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

// NewDefaultBackend constructs the one Backend compiled in for this
// platform: epoll on Linux, select elsewhere. cfg.Backend is not
// consulted, so a name such as "select" on Linux still yields the epoll
// backend, and there is no poll backend.
func NewDefaultBackend(cfg Config) (Backend, error) {
	return newPlatformBackend(cfg)
}
