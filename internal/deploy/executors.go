package deploy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"controlplane/internal/apperrors"
	"controlplane/internal/apps"
	"controlplane/internal/job"
	"controlplane/internal/runner"
)

// Executors implements every job type against the Docker daemon and the
// per-app workspace on disk. All progress is reported through the job's
// log sink so viewers can follow along live.
type Executors struct {
	apps *apps.Engine
	cfg  ComposeConfig
}

// NewExecutors creates the executor set.
func NewExecutors(engine *apps.Engine, cfg ComposeConfig) *Executors {
	return &Executors{apps: engine, cfg: cfg}
}

// Register wires every job type into the runner.
func (e *Executors) Register(r *runner.Runner) {
	r.Register(job.TypeCreate, runner.ExecutorFunc(e.Create))
	r.Register(job.TypeDeploy, runner.ExecutorFunc(e.Deploy))
	r.Register(job.TypeDelete, runner.ExecutorFunc(e.Delete))
	r.Register(job.TypeStart, runner.ExecutorFunc(e.Start))
	r.Register(job.TypeStop, runner.ExecutorFunc(e.Stop))
	r.Register(job.TypeEnvRestart, runner.ExecutorFunc(e.EnvRestart))
}

func (e *Executors) appname(j job.Job) (string, error) {
	name := j.Meta["appname"]
	if name == "" {
		return "", apperrors.Validation("appname", "appname is required")
	}
	return name, nil
}

// Create provisions a new app workspace, seeds a starter app when the
// source is empty, and brings the container up.
func (e *Executors) Create(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}

	sourceDir := e.cfg.SourceDir(j.Owner, appname)
	dataDir := filepath.Join(e.cfg.AppDir(j.Owner, appname), e.cfg.DataSubdir)

	sink(fmt.Sprintf("creating workspace for %s/%s", j.Owner, appname))
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create source dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if e.cfg.SeedStarter && !fileExists(filepath.Join(sourceDir, "package.json")) {
		sink("seeding starter app")
		if err := seedStarterApp(sourceDir, j.Owner+"-"+appname); err != nil {
			return err
		}
	}

	return e.buildAndRun(ctx, j.Owner, appname, sink)
}

// Deploy rebuilds the app from its current source and restarts it.
func (e *Executors) Deploy(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}
	if !fileExists(e.cfg.SourceDir(j.Owner, appname)) {
		return apperrors.NotFound("app", j.Owner+"/"+appname)
	}
	return e.buildAndRun(ctx, j.Owner, appname, sink)
}

// Delete takes the app down and removes its workspace.
func (e *Executors) Delete(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}

	appDir := e.cfg.AppDir(j.Owner, appname)
	if fileExists(e.cfg.ComposePath(j.Owner, appname)) {
		sink("stopping app")
		if err := e.compose(ctx, j.Owner, appname, sink, "down", "--remove-orphans"); err != nil {
			return err
		}
	}

	sink("removing workspace " + appDir)
	if err := os.RemoveAll(appDir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	sink("app deleted")
	return nil
}

// Start starts the app's stopped container.
func (e *Executors) Start(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}
	sink("starting app container")
	if err := e.apps.Start(ctx, j.Owner, appname); err != nil {
		return err
	}
	sink("app started")
	return nil
}

// Stop stops the app's running container.
func (e *Executors) Stop(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}
	sink("stopping app container")
	if err := e.apps.Stop(ctx, j.Owner, appname, e.cfg.StopTimeout); err != nil {
		return err
	}
	sink("app stopped")
	return nil
}

// EnvRestart rewrites the app's env file from the job metadata and
// recreates the container so the new values take effect.
func (e *Executors) EnvRestart(ctx context.Context, j job.Job, sink runner.LogSink) error {
	appname, err := e.appname(j)
	if err != nil {
		return err
	}

	sourceDir := e.cfg.SourceDir(j.Owner, appname)
	if !fileExists(sourceDir) {
		return apperrors.NotFound("app", j.Owner+"/"+appname)
	}

	env := j.Meta["env"]
	sink("writing environment file")
	if err := os.WriteFile(filepath.Join(sourceDir, ".env"), []byte(env), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	return e.buildAndRun(ctx, j.Owner, appname, sink)
}

// buildAndRun regenerates the app's Dockerfile and compose file, then
// rebuilds and recreates the container.
func (e *Executors) buildAndRun(ctx context.Context, owner, appname string, sink runner.LogSink) error {
	sourceDir := e.cfg.SourceDir(owner, appname)

	rt, err := DetectRuntime(sourceDir)
	if err != nil {
		return err
	}
	sink(fmt.Sprintf("detected runtime: %s (node %s)", rt.DisplayName, rt.NodeVersion))
	if rt.HasBuild {
		sink("build step: " + rt.BuildCommand)
	}

	if _, err := WriteDockerfile(e.cfg, owner, appname, rt); err != nil {
		return err
	}
	if _, err := WriteCompose(e.cfg, owner, appname); err != nil {
		return err
	}
	sink("generated compose file")

	sink("building and starting container")
	if err := e.compose(ctx, owner, appname, sink, "up", "-d", "--build"); err != nil {
		return err
	}
	sink("app is up")
	return nil
}

// compose runs docker compose against the app's compose file, forwarding
// its combined output to the job log line by line.
func (e *Executors) compose(ctx context.Context, owner, appname string, sink runner.LogSink, args ...string) error {
	composePath := e.cfg.ComposePath(owner, appname)
	cmdArgs := append([]string{"compose", "-f", composePath}, args...)

	cmd := exec.CommandContext(ctx, "docker", cmdArgs...)
	cmd.Dir = e.cfg.AppDir(owner, appname)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe compose output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to run docker compose: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			sink(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("docker compose %s failed: %w", args[0], err)
	}
	return nil
}

// seedStarterApp writes a minimal Node.js app so a freshly created app has
// something to serve before its first deploy.
func seedStarterApp(sourceDir, appID string) error {
	pkg := fmt.Sprintf(`{
  "name": %q,
  "version": "1.0.0",
  "private": true,
  "scripts": {
    "start": "node server.js"
  }
}
`, appID)

	server := `"use strict";

const http = require("node:http");

const PORT = Number.parseInt(process.env.PORT || "5000", 10);
const APP_ID = process.env.APP_ID || "app";

const server = http.createServer((req, res) => {
  res.writeHead(200, { "content-type": "application/json" });
  res.end(JSON.stringify({ ok: true, appId: APP_ID, message: "Node app is ready" }));
});

server.listen(PORT, () => {
  console.log(APP_ID + " listening on " + PORT);
});
`

	if err := os.WriteFile(filepath.Join(sourceDir, "package.json"), []byte(pkg), 0o644); err != nil {
		return fmt.Errorf("failed to seed package.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sourceDir, "server.js"), []byte(server), 0o644); err != nil {
		return fmt.Errorf("failed to seed server.js: %w", err)
	}
	return nil
}
