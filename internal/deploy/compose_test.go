package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"controlplane/internal/config"
)

func testComposeConfig(t *testing.T, dev bool) ComposeConfig {
	t.Helper()
	return ComposeConfig{
		AppsDir:         t.TempDir(),
		Domain:          "my.domain.com",
		Network:         "paas-app",
		ContainerPrefix: "paas-app",
		SourceSubdir:    "app",
		DataSubdir:      "data",
		ComposeFile:     "docker-compose.yml",
		MemLimit:        "256m",
		CPULimit:        "0.5",
		RestartPolicy:   "unless-stopped",
		Dev:             dev,
	}
}

func mkSourceDir(t *testing.T, cfg ComposeConfig, owner, appname string) string {
	t.Helper()
	dir := cfg.SourceDir(owner, appname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestHostPortDeterministicAndInRange(t *testing.T) {
	t.Parallel()
	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		p := HostPort("alice", fmt.Sprintf("app%d", i))
		if p < 20000 || p > 29999 {
			t.Fatalf("port %d out of range", p)
		}
		seen[p] = true
	}
	if len(seen) < 40 {
		t.Errorf("poor distribution: %d distinct ports from 50 apps", len(seen))
	}
	if HostPort("alice", "blog") != HostPort("alice", "blog") {
		t.Error("HostPort is not deterministic")
	}
	if HostPort("alice", "blog") == HostPort("bob", "blog") {
		t.Error("HostPort ignores the owner")
	}
}

func TestGenerateComposeDev(t *testing.T) {
	t.Parallel()
	cfg := testComposeConfig(t, true)
	mkSourceDir(t, cfg, "alice", "blog")

	content, err := GenerateCompose(cfg, "alice", "blog")
	if err != nil {
		t.Fatal(err)
	}

	var doc composeFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		t.Fatalf("generated compose is not valid yaml: %v", err)
	}

	svc, ok := doc.Services["app"]
	if !ok {
		t.Fatal("missing app service")
	}
	if svc.ContainerName != "paas-app-alice-blog" {
		t.Errorf("container_name = %q", svc.ContainerName)
	}
	wantPort := fmt.Sprintf("0.0.0.0:%d:%d", HostPort("alice", "blog"), ContainerPort)
	if len(svc.Ports) != 1 || svc.Ports[0] != wantPort {
		t.Errorf("ports = %v, want [%s]", svc.Ports, wantPort)
	}
	if svc.Build.Dockerfile != paasDockerfileName {
		t.Errorf("dockerfile = %q, want platform dockerfile", svc.Build.Dockerfile)
	}

	wantLabels := map[string]bool{
		"paas.type=user-app":                     false,
		"paas.userid=alice":                      false,
		"paas.appname=blog":                      false,
		"paas.domain=alice-blog.my.domain.com":   false,
	}
	for _, l := range svc.Labels {
		if _, ok := wantLabels[l]; ok {
			wantLabels[l] = true
		}
	}
	for l, found := range wantLabels {
		if !found {
			t.Errorf("missing label %q in %v", l, svc.Labels)
		}
	}

	net, ok := doc.Networks["paas-app"]
	if !ok || !net.External {
		t.Errorf("networks = %+v, want external paas-app", doc.Networks)
	}
}

func TestGenerateComposeProductionExposesNothing(t *testing.T) {
	t.Parallel()
	cfg := testComposeConfig(t, false)
	mkSourceDir(t, cfg, "alice", "blog")

	content, err := GenerateCompose(cfg, "alice", "blog")
	if err != nil {
		t.Fatal(err)
	}

	var doc composeFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Services["app"].Ports) != 0 {
		t.Errorf("production compose exposes ports: %v", doc.Services["app"].Ports)
	}
}

func TestGenerateComposeUserDockerfileExposeWinsInDev(t *testing.T) {
	t.Parallel()
	cfg := testComposeConfig(t, true)
	dir := mkSourceDir(t, cfg, "alice", "blog")
	dockerfile := "FROM node:22-alpine\nexpose 8080\nCMD node server.js\n"
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		t.Fatal(err)
	}

	content, err := GenerateCompose(cfg, "alice", "blog")
	if err != nil {
		t.Fatal(err)
	}

	var doc composeFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		t.Fatal(err)
	}
	svc := doc.Services["app"]
	if svc.Build.Dockerfile != "Dockerfile" {
		t.Errorf("dockerfile = %q, want user Dockerfile", svc.Build.Dockerfile)
	}
	if len(svc.Ports) != 1 || svc.Ports[0] != "0.0.0.0:8080:8080" {
		t.Errorf("ports = %v, want EXPOSE port on both sides", svc.Ports)
	}
}

func TestWriteCompose(t *testing.T) {
	t.Parallel()
	cfg := testComposeConfig(t, false)
	mkSourceDir(t, cfg, "alice", "blog")

	path, err := WriteCompose(cfg, "alice", "blog")
	if err != nil {
		t.Fatal(err)
	}
	if path != cfg.ComposePath("alice", "blog") {
		t.Errorf("path = %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("compose file not written: %v", err)
	}
}

func TestParseDockerfileExposePort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"simple", "FROM x\nEXPOSE 3000\n", 3000},
		{"lowercase", "expose 8080\n", 8080},
		{"first wins", "EXPOSE 3000\nEXPOSE 4000\n", 3000},
		{"none", "FROM x\nCMD app\n", 0},
		{"out of range", "EXPOSE 99999\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "Dockerfile")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if got := parseDockerfileExposePort(path); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	if got := parseDockerfileExposePort(filepath.Join(t.TempDir(), "missing")); got != 0 {
		t.Errorf("missing file: got %d, want 0", got)
	}
}

func TestGenerateDockerfile(t *testing.T) {
	t.Parallel()
	rt := &Runtime{
		NodeVersion:  "20",
		HasLockFile:  true,
		HasBuild:     true,
		BuildCommand: "npm run build",
		StartCommand: "npm start",
	}
	content := string(GenerateDockerfile(rt))

	for _, want := range []string{
		"FROM node:20-alpine",
		"RUN npm ci\n",
		"RUN npm run build",
		"EXPOSE 5000",
		"CMD npm start",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("dockerfile missing %q:\n%s", want, content)
		}
	}

	plain := &Runtime{NodeVersion: "22", StartCommand: "node index.js"}
	content = string(GenerateDockerfile(plain))
	if !strings.Contains(content, "RUN npm install --omit=dev") {
		t.Errorf("expected prod install without lock file:\n%s", content)
	}
	if strings.Contains(content, "npm run build") {
		t.Errorf("unexpected build step:\n%s", content)
	}
}

func TestLoadComposeConfigEnvOverrides(t *testing.T) {
	os.Setenv("APP_STOP_TIMEOUT", "25")
	defer os.Unsetenv("APP_STOP_TIMEOUT")
	os.Setenv("SEED_STARTER_APP", "off")
	defer os.Unsetenv("SEED_STARTER_APP")

	cfg := LoadComposeConfig(&config.ServiceConfig{AppsDir: "/paas/apps", Domain: "my.domain.com"})
	if cfg.StopTimeout != 25 {
		t.Errorf("StopTimeout = %d, want 25", cfg.StopTimeout)
	}
	if cfg.SeedStarter {
		t.Error("expected starter-app seeding to be disabled")
	}
}

func TestLoadComposeConfigDefaults(t *testing.T) {
	cfg := LoadComposeConfig(&config.ServiceConfig{AppsDir: "/paas/apps", Domain: "my.domain.com"})
	if cfg.StopTimeout != 10 {
		t.Errorf("StopTimeout = %d, want 10", cfg.StopTimeout)
	}
	if !cfg.SeedStarter {
		t.Error("expected starter-app seeding on by default")
	}
	if cfg.Network != "paas-app" || cfg.ComposeFile != "docker-compose.yml" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
