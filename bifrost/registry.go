package bifrost

import (
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/loglet"
	"github.com/restatedev/bifrost/logs"
)

// ErrProviderNotImplemented is returned for logs.ProviderFile, a stub
// provider kind kept in the registry for exhaustive dispatch
// (original_source/providers/file_loglet.rs; SPEC_FULL.md §12) but never
// constructible.
var ErrProviderNotImplemented = errors.New("bifrost: provider not implemented")

// Opener constructs a loglet.Loglet for one segment.
type Opener func(logID logs.LogID, seg Segment) (loglet.Loglet, error)

// ProviderRegistry dispatches a segment's ProviderKind to the Opener that
// knows how to construct it (C9, spec.md §4.4).
type ProviderRegistry struct {
	openers map[logs.ProviderKind]Opener
}

// NewProviderRegistry returns an empty registry; callers Register each
// provider kind they support.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{openers: make(map[logs.ProviderKind]Opener)}
}

// Register binds a provider kind to its Opener.
func (r *ProviderRegistry) Register(kind logs.ProviderKind, open Opener) {
	r.openers[kind] = open
}

// Open constructs the loglet for seg. Dispatch is exhaustive over
// logs.ProviderKind: an unregistered ProviderFile returns
// ErrProviderNotImplemented rather than a generic "unknown provider" error.
func (r *ProviderRegistry) Open(logID logs.LogID, seg Segment) (loglet.Loglet, error) {
	open, ok := r.openers[seg.Provider]
	if !ok {
		if seg.Provider == logs.ProviderFile {
			return nil, ErrProviderNotImplemented
		}
		return nil, errors.Errorf("bifrost: no opener registered for provider %s", seg.Provider)
	}
	return open(logID, seg)
}
