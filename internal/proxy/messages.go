// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype both sides negotiate.
const codecName = "json"

type (
	CommitRequest struct {
		GoshURL string `json:"gosh_url"`
		Commit  string `json:"commit"`
	}

	// CommitResponse carries a zstd-compressed tar of the commit tree.
	CommitResponse struct {
		Body []byte `json:"body"`
	}

	FileRequest struct {
		GoshURL string `json:"gosh_url"`
		Commit  string `json:"commit"`
		Path    string `json:"path"`
		// Raw asks for the file bytes as stored; otherwise Body is zstd-compressed.
		Raw bool `json:"raw,omitempty"`
	}

	FileResponse struct {
		Body []byte `json:"body"`
	}

	SpawnRequest struct {
		ID   string   `json:"id"`
		Args []string `json:"args"`
	}

	SpawnResponse struct{}

	CommandRequest struct {
		ID   string `json:"id"`
		Body []byte `json:"body"`
	}

	CommandResponse struct {
		Body []byte `json:"body"`
	}

	GetArchiveRequest struct {
		ID string `json:"id"`
	}

	// GetArchiveResponse carries a zstd-compressed tar of the session directory.
	GetArchiveResponse struct {
		Body []byte `json:"body"`
	}

	jsonCodec struct{}
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
