package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"controlplane/internal/apps"
	"controlplane/internal/config"
)

// paasDockerfileName is the generated Dockerfile used when the app does not
// ship its own.
const paasDockerfileName = ".paas.Dockerfile"

// ComposeConfig holds the knobs for compose-file generation. The env names
// are shared with the platform's shell tooling.
type ComposeConfig struct {
	AppsDir         string
	Domain          string
	Network         string
	ContainerPrefix string
	SourceSubdir    string
	DataSubdir      string
	ComposeFile     string
	MemLimit        string
	CPULimit        string
	RestartPolicy   string
	StopTimeout     int  // seconds to wait before a container stop is forced
	SeedStarter     bool // seed a starter app into empty workspaces on create
	Dev             bool
}

// LoadComposeConfig loads compose generation settings from the environment.
func LoadComposeConfig(svc *config.ServiceConfig) ComposeConfig {
	return ComposeConfig{
		AppsDir:         svc.AppsDir,
		Domain:          svc.Domain,
		Network:         config.GetEnv("APP_NETWORK", "paas-app"),
		ContainerPrefix: config.GetEnv("APP_CONTAINER_PREFIX", "paas-app"),
		SourceSubdir:    config.GetEnv("APP_SOURCE_SUBDIR", "app"),
		DataSubdir:      config.GetEnv("APP_DATA_SUBDIR", "data"),
		ComposeFile:     config.GetEnv("APP_COMPOSE_FILE", "docker-compose.yml"),
		MemLimit:        config.GetEnv("DEFAULT_MEM_LIMIT", "256m"),
		CPULimit:        config.GetEnv("DEFAULT_CPU_LIMIT", "0.5"),
		RestartPolicy:   config.GetEnv("DEFAULT_RESTART_POLICY", "unless-stopped"),
		StopTimeout:     config.GetIntEnv("APP_STOP_TIMEOUT", 10),
		SeedStarter:     config.GetBoolEnv("SEED_STARTER_APP", true),
		Dev:             svc.DevMode,
	}
}

// AppDir returns the workspace directory for one app.
func (c ComposeConfig) AppDir(owner, appname string) string {
	return filepath.Join(c.AppsDir, owner, appname)
}

// SourceDir returns the app's source subdirectory.
func (c ComposeConfig) SourceDir(owner, appname string) string {
	return filepath.Join(c.AppDir(owner, appname), c.SourceSubdir)
}

// ComposePath returns the app's compose file path.
func (c ComposeConfig) ComposePath(owner, appname string) string {
	return filepath.Join(c.AppDir(owner, appname), c.ComposeFile)
}

// ContainerName returns the app's container name.
func (c ComposeConfig) ContainerName(owner, appname string) string {
	return fmt.Sprintf("%s-%s-%s", c.ContainerPrefix, owner, appname)
}

// AppDomain returns the hostname the proxy routes to this app.
func (c ComposeConfig) AppDomain(owner, appname string) string {
	return fmt.Sprintf("%s-%s.%s", owner, appname, c.Domain)
}

// HostPort derives the app's deterministic dev-mode host port from a djb2
// hash of owner/appname, mapped into 20000-29999.
func HostPort(owner, appname string) int {
	hash := uint32(5381)
	for _, ch := range owner + "/" + appname {
		hash = ((hash << 5) + hash) ^ uint32(ch)
	}
	return 20000 + int(hash%10000)
}

var exposeRe = regexp.MustCompile(`^(?i:EXPOSE)\s+(\d+)`)

// parseDockerfileExposePort reads the first EXPOSE port from a Dockerfile.
// Returns 0 when the file is missing or declares no port.
func parseDockerfileExposePort(dockerfilePath string) int {
	content, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(content), "\n") {
		m := exposeRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return 0
}

type composeBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

type composeLogging struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

type composeService struct {
	Build         composeBuild   `yaml:"build"`
	ContainerName string         `yaml:"container_name"`
	Restart       string         `yaml:"restart"`
	Ports         []string       `yaml:"ports,omitempty"`
	Volumes       []string       `yaml:"volumes"`
	Environment   []string       `yaml:"environment"`
	MemLimit      string         `yaml:"mem_limit"`
	CPUs          string         `yaml:"cpus"`
	Networks      []string       `yaml:"networks"`
	Labels        []string       `yaml:"labels"`
	Logging       composeLogging `yaml:"logging"`
}

type composeNetwork struct {
	External bool   `yaml:"external"`
	Name     string `yaml:"name"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

// GenerateCompose renders the docker-compose.yml for one app.
//
// In dev mode the app gets a direct host port: the EXPOSE port of a
// user-supplied Dockerfile when present, otherwise the deterministic
// HostPort hash. Production exposes nothing and relies on the external
// proxy network for routing.
func GenerateCompose(cfg ComposeConfig, owner, appname string) ([]byte, error) {
	userDockerfile := filepath.Join(cfg.SourceDir(owner, appname), "Dockerfile")
	hasUserDockerfile := fileExists(userDockerfile)

	dockerfileRef := paasDockerfileName
	if hasUserDockerfile {
		dockerfileRef = "Dockerfile"
	}

	containerPort := ContainerPort
	hostPort := HostPort(owner, appname)
	if cfg.Dev && hasUserDockerfile {
		if exposePort := parseDockerfileExposePort(userDockerfile); exposePort != 0 {
			hostPort = exposePort
			containerPort = exposePort
		}
	}

	svc := composeService{
		Build: composeBuild{
			Context:    "./" + cfg.SourceSubdir,
			Dockerfile: dockerfileRef,
		},
		ContainerName: cfg.ContainerName(owner, appname),
		Restart:       cfg.RestartPolicy,
		Volumes:       []string{"./" + cfg.DataSubdir + ":/data"},
		Environment: []string{
			fmt.Sprintf("PORT=%d", containerPort),
			fmt.Sprintf("APP_ID=%s-%s", owner, appname),
			"NODE_ENV=production",
		},
		MemLimit: cfg.MemLimit,
		CPUs:     cfg.CPULimit,
		Networks: []string{cfg.Network},
		Labels: []string{
			apps.LabelType + "=user-app",
			apps.LabelOwner + "=" + owner,
			apps.LabelAppName + "=" + appname,
			apps.LabelDomain + "=" + cfg.AppDomain(owner, appname),
		},
		Logging: composeLogging{
			Driver: "json-file",
			Options: map[string]string{
				"max-size": "10m",
				"max-file": "3",
			},
		},
	}
	if cfg.Dev {
		svc.Ports = []string{fmt.Sprintf("0.0.0.0:%d:%d", hostPort, containerPort)}
	}

	return yaml.Marshal(composeFile{
		Services: map[string]composeService{"app": svc},
		Networks: map[string]composeNetwork{
			cfg.Network: {External: true, Name: cfg.Network},
		},
	})
}

// WriteCompose generates and writes the app's compose file.
func WriteCompose(cfg ComposeConfig, owner, appname string) (string, error) {
	content, err := GenerateCompose(cfg, owner, appname)
	if err != nil {
		return "", fmt.Errorf("failed to generate compose file: %w", err)
	}
	composePath := cfg.ComposePath(owner, appname)
	if err := os.WriteFile(composePath, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write compose file: %w", err)
	}
	return composePath, nil
}
