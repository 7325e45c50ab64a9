// Package remote is a compiler backend that forwards every invocation to a
// forgec compile server over gRPC.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/server"
)

// versionsTimeout bounds the Versions lookup, which has no caller context.
const versionsTimeout = 5 * time.Second

// Compiler talks to one compile server.
type Compiler struct {
	conn grpc.ClientConnInterface

	mu       sync.Mutex
	versions map[compilers.Language][]*semver.Version
}

// New wraps an existing connection.
func New(conn grpc.ClientConnInterface) *Compiler {
	return &Compiler{conn: conn, versions: make(map[compilers.Language][]*semver.Version)}
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Compiler, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to compile server %s: %w", addr, err)
	}
	return New(conn), conn, nil
}

func (c *Compiler) Name() string { return "Remote" }

// Available asks the server once per language and caches the answer. A
// failed lookup is not cached and yields no versions.
func (c *Compiler) Available(lang compilers.Language) []*semver.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vs, ok := c.versions[lang]; ok {
		return append([]*semver.Version(nil), vs...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), versionsTimeout)
	defer cancel()
	vs, err := c.fetchVersions(ctx, lang)
	if err != nil {
		return nil
	}
	c.versions[lang] = vs
	return append([]*semver.Version(nil), vs...)
}

func (c *Compiler) fetchVersions(ctx context.Context, lang compilers.Language) ([]*semver.Version, error) {
	req, err := server.Encode(server.VersionsRequest{Language: lang})
	if err != nil {
		return nil, err
	}
	resp := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, server.VersionsMethod, req, resp); err != nil {
		return nil, err
	}
	var vr server.VersionsResponse
	if err := server.Decode(resp, &vr); err != nil {
		return nil, err
	}
	out := make([]*semver.Version, 0, len(vr.Versions))
	for _, s := range vr.Versions {
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("server sent bad version %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Compile sends input to the server. Diagnostics come back in the output; a
// returned error is a transport or server side failure.
func (c *Compiler) Compile(ctx context.Context, input *compilers.Input) (*compilers.Output, error) {
	req, err := server.NewCompileRequest(input)
	if err != nil {
		return nil, fmt.Errorf("encode compile request: %w", err)
	}
	resp := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, server.CompileMethod, req, resp); err != nil {
		return nil, err
	}
	var out compilers.Output
	if err := server.Decode(resp, &out); err != nil {
		return nil, fmt.Errorf("decode compile response: %w", err)
	}
	return &out, nil
}
