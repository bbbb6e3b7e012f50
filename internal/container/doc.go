// SPDX-License-Identifier: MPL-2.0

// Package container drives image builds through a container engine CLI (Docker/Podman).
//
// The Engine interface covers availability, version and Build. DockerEngine
// runs `docker buildx build`, PodmanEngine runs `podman build`; both embed
// BaseCLIEngine for argument construction and execution.
//
// Every build runs without cache on the host network, reads its Dockerfile
// from stdin and receives the proxy address through the http_proxy,
// https_proxy and GOSH_HTTP_PROXY build arguments.
package container
