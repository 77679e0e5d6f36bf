// Package main provides a Dagger module for building and running statfix.
package main

import (
	"context"
	"dagger/statfix/internal/dagger"
	"fmt"
	"strings"
)

type Statfix struct{}

// Test runs the unit tests of every package.
func (m *Statfix) Test(
	ctx context.Context,
	// Source code directory
	// +required
	src *dagger.Directory,
) (string, error) {
	return goContainer(src).
		WithExec([]string{"go", "test", "./..."}).
		Stdout(ctx)
}

// BuildContainer creates a container image holding the statfix binary.
func (m *Statfix) BuildContainer(
	ctx context.Context,
	// Source code directory
	// +required
	src *dagger.Directory,
	// Platform to build for
	// +optional
	// +default="linux/amd64"
	platform *dagger.Platform,
	// Version stamped into the binary
	// +optional
	// +default="dev"
	version string,
) (*dagger.Container, error) {
	buildPlatform := dagger.Platform("linux/amd64")
	if platform != nil {
		buildPlatform = *platform
	}

	platformArch, err := dag.Containerd().ArchitectureOf(ctx, buildPlatform)
	if err != nil {
		return nil, fmt.Errorf("failed to get architecture: %w", err)
	}

	buildCtr := goContainer(src).
		WithEnvVariable("GOOS", "linux").
		WithEnvVariable("GOARCH", platformArch).
		WithExec([]string{"apk", "add", "--no-cache", "upx", "ca-certificates"}).
		WithExec([]string{"mkdir", "-p", "/src/bin", "/src/logs"}).
		WithExec([]string{
			"go", "build",
			"-ldflags=-s -w -X main.version=" + version,
			"-o", "/src/bin/statfix",
			"./cmd/statfix",
		}).
		WithExec([]string{"upx", "--best", "--lzma", "/src/bin/statfix"})

	return dag.Container(dagger.ContainerOpts{Platform: buildPlatform}).
		From("gcr.io/distroless/static-debian12:latest").
		WithDirectory("/app/bin", buildCtr.Directory("/src/bin")).
		WithDirectory("/app/logs", buildCtr.Directory("/src/logs")).
		WithFile("/etc/ssl/certs/ca-certificates.crt", buildCtr.File("/etc/ssl/certs/ca-certificates.crt")).
		WithWorkdir("/app").
		WithEntrypoint([]string{"/app/bin/statfix"}), nil
}

// Publish the application container for every requested platform.
func (m *Statfix) Publish(
	ctx context.Context,
	// Source code directory
	// +required
	src *dagger.Directory,
	// Docker image name (e.g. "username/repo:tag")
	// +required
	imageName string,
	// Platforms to build for (comma-separated, e.g. "linux/amd64,linux/arm64")
	// +optional
	// +default="linux/amd64"
	platforms string,
	// +optional
	// +default="dev"
	version string,
) (string, error) {
	var platformList []dagger.Platform
	if platforms == "" {
		platformList = []dagger.Platform{"linux/amd64"}
	} else {
		for _, p := range strings.Split(platforms, ",") {
			platformList = append(platformList, dagger.Platform(strings.TrimSpace(p)))
		}
	}

	platformVariants := make([]*dagger.Container, 0, len(platformList))
	for _, platform := range platformList {
		container, err := m.BuildContainer(ctx, src, &platform, version)
		if err != nil {
			return "", fmt.Errorf("failed to build container for %s: %w", platform, err)
		}
		platformVariants = append(platformVariants, container)
	}

	ref, err := dag.Container().Publish(ctx, imageName, dagger.ContainerPublishOpts{
		PlatformVariants: platformVariants,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish image: %w", err)
	}

	return ref, nil
}

// Run executes a statfix command with the given config directory, e.g. "stats scan".
func (m *Statfix) Run(
	// Source code directory
	// +required
	src *dagger.Directory,
	// Config directory holding statfix.toml
	// +required
	configDir *dagger.Directory,
	// Command and arguments, space separated
	// +required
	args string,
) *dagger.Container {
	return goContainer(src).
		WithDirectory("/etc/statfix/config", configDir).
		WithExec([]string{"go", "build", "-o", "/src/bin/statfix", "./cmd/statfix"}).
		WithExec(append([]string{"/src/bin/statfix"}, strings.Fields(args)...))
}

// goContainer mounts the sources into a Go toolchain container with shared caches.
func goContainer(src *dagger.Directory) *dagger.Container {
	return dag.Container().
		From("golang:1.24.2-alpine").
		WithMountedCache("/go/pkg/mod", dag.CacheVolume("go-mod")).
		WithMountedCache("/root/.cache/go-build", dag.CacheVolume("go-build")).
		WithDirectory("/src", src).
		WithWorkdir("/src").
		WithEnvVariable("CGO_ENABLED", "0")
}
