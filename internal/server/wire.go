package server

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

// Method names of the compile service. Payloads are JSON documents carried in
// a BytesValue so no generated stubs are needed.
const (
	ServiceName    = "forgec.Compiler"
	CompileMethod  = "/" + ServiceName + "/Compile"
	VersionsMethod = "/" + ServiceName + "/Versions"
)

// CompileRequest is the JSON body of a Compile call.
type CompileRequest struct {
	Version string           `json:"version"`
	Input   *compilers.Input `json:"input"`
}

// VersionsRequest asks for the versions available for a language.
type VersionsRequest struct {
	Language compilers.Language `json:"language"`
}

// VersionsResponse lists versions as strings.
type VersionsResponse struct {
	Versions []string `json:"versions"`
}

// Encode marshals v into a BytesValue.
func Encode(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

// Decode unmarshals a BytesValue into v.
func Decode(b *wrapperspb.BytesValue, v any) error {
	return json.Unmarshal(b.GetValue(), v)
}

// NewCompileRequest wraps in for the wire. The version travels separately
// because Input does not serialise it.
func NewCompileRequest(in *compilers.Input) (*wrapperspb.BytesValue, error) {
	req := CompileRequest{Input: in}
	if in.Version != nil {
		req.Version = in.Version.String()
	}
	return Encode(req)
}

// ParseCompileRequest is the inverse of NewCompileRequest.
func ParseCompileRequest(b *wrapperspb.BytesValue) (*compilers.Input, error) {
	var req CompileRequest
	if err := Decode(b, &req); err != nil {
		return nil, fmt.Errorf("decode compile request: %w", err)
	}
	if req.Input == nil {
		return nil, fmt.Errorf("decode compile request: missing input")
	}
	if req.Version != "" {
		v, err := semver.NewVersion(req.Version)
		if err != nil {
			return nil, fmt.Errorf("decode compile request: %w", err)
		}
		req.Input.Version = v
	}
	return req.Input, nil
}
