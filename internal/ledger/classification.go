// SPDX-License-Identifier: MPL-2.0

package ledger

import (
	"fmt"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Classifications order File < Commit < Repository in sorted output.
const (
	File Classification = iota
	Commit
	Repository
)

// Classification is the kind of resource a build fetched.
type Classification int

func (c Classification) String() string {
	switch c {
	case File:
		return "file"
	case Commit:
		return "commit"
	case Repository:
		return "repository"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// ComponentType maps the classification onto a bill-of-materials component type.
func (c Classification) ComponentType() cdx.ComponentType {
	if c == File {
		return cdx.ComponentTypeFile
	}
	return cdx.ComponentTypeLibrary
}

// CommitID is the resource id of a fetched commit archive.
func CommitID(url, commit string) string {
	return url + ":" + commit
}

// FileID is the resource id of a single fetched file.
func FileID(url, commit, path string) string {
	return url + ":" + commit + ":" + path
}
