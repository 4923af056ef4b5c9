package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateDockerfile renders the platform Dockerfile for apps that do not
// ship their own. Installs reproducibly with npm ci when a lock file exists.
func GenerateDockerfile(rt *Runtime) []byte {
	install := "npm install --omit=dev"
	if rt.HasLockFile {
		install = "npm ci --omit=dev"
	}
	if rt.HasBuild {
		// Build needs dev dependencies.
		install = "npm install"
		if rt.HasLockFile {
			install = "npm ci"
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM node:%s-alpine\n", rt.NodeVersion)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY package*.json ./\n")
	fmt.Fprintf(&b, "RUN %s\n", install)
	b.WriteString("COPY . .\n")
	if rt.HasBuild {
		fmt.Fprintf(&b, "RUN %s\n", rt.BuildCommand)
	}
	fmt.Fprintf(&b, "ENV PORT=%d\n", ContainerPort)
	fmt.Fprintf(&b, "EXPOSE %d\n", ContainerPort)
	fmt.Fprintf(&b, "CMD %s\n", rt.StartCommand)
	return []byte(b.String())
}

// WriteDockerfile writes the platform Dockerfile into the app's source
// directory unless the user supplied their own.
func WriteDockerfile(cfg ComposeConfig, owner, appname string, rt *Runtime) (string, error) {
	sourceDir := cfg.SourceDir(owner, appname)
	if fileExists(filepath.Join(sourceDir, "Dockerfile")) {
		return filepath.Join(sourceDir, "Dockerfile"), nil
	}

	path := filepath.Join(sourceDir, paasDockerfileName)
	if err := os.WriteFile(path, GenerateDockerfile(rt), 0o644); err != nil {
		return "", fmt.Errorf("failed to write dockerfile: %w", err)
	}
	return path, nil
}
