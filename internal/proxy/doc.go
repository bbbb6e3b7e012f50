// SPDX-License-Identifier: MPL-2.0

// Package proxy is the fetch proxy a build talks to.
//
// A Service owns a git cache registry, a provenance ledger and a pool of
// remote-helper sessions. It serves two surfaces on one socket: the dumb git
// HTTP protocol over HTTP/1.1, and the GoshGet and GitRemoteGosh gRPC services
// over cleartext HTTP/2. Every successful fetch is appended to the ledger.
package proxy
