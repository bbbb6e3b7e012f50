// SPDX-License-Identifier: MPL-2.0

// Package builder runs one build session: it loads the build description,
// starts the fetch proxy, runs the container engine against it, stops the
// proxy and then writes or validates the bill of materials.
package builder
