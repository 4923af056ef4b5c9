// Package deploy turns an uploaded app source tree into something the
// platform can run: it detects the runtime from package.json, generates the
// app's compose file, and provides the executors behind every job type.
package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ContainerPort is the fixed port apps listen on inside their container.
// The generated environment always sets PORT to this value.
const ContainerPort = 5000

const defaultNodeVersion = "22"

// Dependency is a detected dependency shown on the app card.
type Dependency struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Icon        string `json:"icon"`
}

// Runtime describes how to build and start an app.
type Runtime struct {
	Runtime      string       `json:"runtime"`
	DisplayName  string       `json:"displayName"`
	Icon         string       `json:"icon"`
	NodeVersion  string       `json:"nodeVersion"`
	HasLockFile  bool         `json:"hasLockFile"`
	HasBuild     bool         `json:"hasBuild"`
	BuildCommand string       `json:"buildCommand,omitempty"`
	StartCommand string       `json:"startCommand"`
	Dependencies []Dependency `json:"dependencies"`
}

// runtimeRule matches one dependency to runtime metadata. Rules are ordered
// by priority; the first matching framework rule picks the primary runtime,
// non-framework rules are display-only.
type runtimeRule struct {
	dep             string
	runtime         string
	displayName     string
	icon            string
	isFramework     bool
	hasBuild        bool
	defaultStartCmd string
}

var runtimeRules = []runtimeRule{
	{dep: "next", runtime: "nextjs", displayName: "Next.js", icon: "nextjs", isFramework: true, hasBuild: true, defaultStartCmd: "next start"},
	{dep: "@nestjs/core", runtime: "nestjs", displayName: "NestJS", icon: "nestjs", isFramework: true, hasBuild: true, defaultStartCmd: "node dist/main"},
	{dep: "nuxt", runtime: "nuxt", displayName: "Nuxt.js", icon: "nuxt", isFramework: true, hasBuild: true, defaultStartCmd: "node .output/server/index.mjs"},
	{dep: "vite", runtime: "vite", displayName: "Vite", icon: "vite", isFramework: true, hasBuild: true, defaultStartCmd: "vite preview"},
	{dep: "express", runtime: "express", displayName: "Express", icon: "express", isFramework: true},
	{dep: "fastify", runtime: "fastify", displayName: "Fastify", icon: "fastify", isFramework: true},
	{dep: "koa", runtime: "koa", displayName: "Koa", icon: "koa", isFramework: true},
	{dep: "react", runtime: "react", displayName: "React", icon: "react"},
	{dep: "vue", runtime: "vue", displayName: "Vue", icon: "vue"},
	{dep: "tailwindcss", runtime: "tailwind", displayName: "Tailwind CSS", icon: "tailwind"},
	{dep: "typescript", runtime: "typescript", displayName: "TypeScript", icon: "typescript"},
	{dep: "prisma", runtime: "prisma", displayName: "Prisma", icon: "prisma"},
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
	Engines         struct {
		Node string `json:"node"`
	} `json:"engines"`
}

var nodeVersionRe = regexp.MustCompile(`(\d+)`)

// parseNodeVersion extracts the major version from engines.node constraints
// like ">=18.0.0", "^20" or "20.x".
func parseNodeVersion(enginesNode string) string {
	if m := nodeVersionRe.FindString(enginesNode); m != "" {
		return m
	}
	return defaultNodeVersion
}

func nodeDependency() Dependency {
	return Dependency{Name: "nodejs", DisplayName: "Node.js", Icon: "nodejs"}
}

// DetectRuntime analyzes appDir's package.json and reports the runtime
// used to generate the app's Dockerfile and compose file. A directory
// without a package.json is treated as plain Node.js.
func DetectRuntime(appDir string) (*Runtime, error) {
	pkgPath := filepath.Join(appDir, "package.json")

	raw, err := os.ReadFile(pkgPath)
	if os.IsNotExist(err) {
		return &Runtime{
			Runtime:      "node",
			DisplayName:  "Node.js",
			Icon:         "nodejs",
			NodeVersion:  defaultNodeVersion,
			StartCommand: "node index.js",
			Dependencies: []Dependency{nodeDependency()},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}

	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}

	allDeps := make(map[string]string, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for k, v := range pkg.Dependencies {
		allDeps[k] = v
	}
	for k, v := range pkg.DevDependencies {
		allDeps[k] = v
	}

	hasLockFile := fileExists(filepath.Join(appDir, "package-lock.json")) ||
		fileExists(filepath.Join(appDir, "npm-shrinkwrap.json"))

	// Node.js is always listed first, matched rules follow in rule order.
	dependencies := []Dependency{nodeDependency()}
	var primary *runtimeRule
	for i := range runtimeRules {
		rule := &runtimeRules[i]
		if _, ok := allDeps[rule.dep]; !ok {
			continue
		}
		dependencies = append(dependencies, Dependency{
			Name:        rule.runtime,
			DisplayName: rule.displayName,
			Icon:        rule.icon,
		})
		if primary == nil && rule.isFramework {
			primary = rule
		}
	}

	rt := &Runtime{
		Runtime:      "node",
		DisplayName:  "Node.js",
		Icon:         "nodejs",
		NodeVersion:  parseNodeVersion(pkg.Engines.Node),
		HasLockFile:  hasLockFile,
		Dependencies: dependencies,
	}

	if primary != nil {
		rt.Runtime = primary.runtime
		rt.DisplayName = primary.displayName
		rt.Icon = primary.icon
		// scripts.build decides whether a build actually happens, even for
		// frameworks that normally build.
		rt.HasBuild = primary.hasBuild && pkg.Scripts["build"] != ""
		if rt.HasBuild {
			rt.BuildCommand = "npm run build"
		}
		if pkg.Scripts["start"] != "" {
			rt.StartCommand = "npm start"
		} else if primary.defaultStartCmd != "" {
			rt.StartCommand = primary.defaultStartCmd
		} else {
			rt.StartCommand = "node index.js"
		}
		return rt, nil
	}

	rt.HasBuild = pkg.Scripts["build"] != ""
	if rt.HasBuild {
		rt.BuildCommand = "npm run build"
	}
	if pkg.Scripts["start"] != "" {
		rt.StartCommand = "npm start"
	} else {
		rt.StartCommand = "node index.js"
	}
	return rt, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
