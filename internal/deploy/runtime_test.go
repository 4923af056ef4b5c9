package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAppDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDetectRuntimeNoPackageJSON(t *testing.T) {
	t.Parallel()
	rt, err := DetectRuntime(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if rt.Runtime != "node" || rt.StartCommand != "node index.js" {
		t.Errorf("got %+v, want plain node defaults", rt)
	}
	if rt.NodeVersion != "22" {
		t.Errorf("NodeVersion = %s, want 22", rt.NodeVersion)
	}
	if len(rt.Dependencies) != 1 || rt.Dependencies[0].Name != "nodejs" {
		t.Errorf("Dependencies = %+v, want just nodejs", rt.Dependencies)
	}
}

func TestDetectRuntimeInvalidPackageJSON(t *testing.T) {
	t.Parallel()
	dir := writeAppDir(t, map[string]string{"package.json": "{not json"})
	if _, err := DetectRuntime(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDetectRuntimeFrameworkPriority(t *testing.T) {
	t.Parallel()
	// next outranks express even when both are present.
	dir := writeAppDir(t, map[string]string{
		"package.json": `{
			"dependencies": {"express": "^4.18.0", "next": "14.0.0", "react": "^18.0.0"},
			"scripts": {"build": "next build", "start": "next start"},
			"engines": {"node": ">=18.0.0"}
		}`,
		"package-lock.json": "{}",
	})

	rt, err := DetectRuntime(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Runtime != "nextjs" {
		t.Errorf("Runtime = %s, want nextjs", rt.Runtime)
	}
	if rt.NodeVersion != "18" {
		t.Errorf("NodeVersion = %s, want 18", rt.NodeVersion)
	}
	if !rt.HasLockFile {
		t.Error("expected lock file detection")
	}
	if !rt.HasBuild || rt.BuildCommand != "npm run build" {
		t.Errorf("build = %v %q", rt.HasBuild, rt.BuildCommand)
	}
	if rt.StartCommand != "npm start" {
		t.Errorf("StartCommand = %q, want npm start", rt.StartCommand)
	}

	// nodejs first, then matched deps in rule priority order.
	var names []string
	for _, d := range rt.Dependencies {
		names = append(names, d.Name)
	}
	want := []string{"nodejs", "nextjs", "express", "react"}
	if len(names) != len(want) {
		t.Fatalf("dependencies = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("dependencies = %v, want %v", names, want)
			break
		}
	}
}

func TestDetectRuntimeBuildRequiresScript(t *testing.T) {
	t.Parallel()
	// next without scripts.build: framework default wants a build, but none
	// is configured, so there is none.
	dir := writeAppDir(t, map[string]string{
		"package.json": `{"dependencies": {"next": "14.0.0"}}`,
	})

	rt, err := DetectRuntime(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rt.HasBuild {
		t.Error("expected no build without a build script")
	}
	if rt.StartCommand != "next start" {
		t.Errorf("StartCommand = %q, want framework default", rt.StartCommand)
	}
}

func TestDetectRuntimeExpressDefaults(t *testing.T) {
	t.Parallel()
	dir := writeAppDir(t, map[string]string{
		"package.json": `{"dependencies": {"express": "^4.18.0"}}`,
	})

	rt, err := DetectRuntime(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Runtime != "express" {
		t.Errorf("Runtime = %s, want express", rt.Runtime)
	}
	// express has no default start command of its own.
	if rt.StartCommand != "node index.js" {
		t.Errorf("StartCommand = %q, want node index.js", rt.StartCommand)
	}
}

func TestDetectRuntimeDisplayOnlyDeps(t *testing.T) {
	t.Parallel()
	// typescript alone is not a framework; runtime stays plain node.
	dir := writeAppDir(t, map[string]string{
		"package.json": `{
			"devDependencies": {"typescript": "^5.0.0"},
			"scripts": {"build": "tsc", "start": "node dist/index.js"}
		}`,
	})

	rt, err := DetectRuntime(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Runtime != "node" {
		t.Errorf("Runtime = %s, want node", rt.Runtime)
	}
	if !rt.HasBuild || rt.StartCommand != "npm start" {
		t.Errorf("got build=%v start=%q", rt.HasBuild, rt.StartCommand)
	}
	if len(rt.Dependencies) != 2 || rt.Dependencies[1].Name != "typescript" {
		t.Errorf("Dependencies = %+v", rt.Dependencies)
	}
}

func TestParseNodeVersion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", "22"},
		{">=18.0.0", "18"},
		{"^20", "20"},
		{"20.x", "20"},
		{"node", "22"},
	}
	for _, tt := range tests {
		if got := parseNodeVersion(tt.in); got != tt.want {
			t.Errorf("parseNodeVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
