package chat

import (
	"context"
	"strings"
	"sync"

	"aprilgo/internal/models"
)

// SignedURLExchanger exchanges an opaque storage path for a time-limited
// fetchable URL.
type SignedURLExchanger interface {
	CreateSignedURL(ctx context.Context, path string) (string, error)
}

// Resolution is a snapshot of a resolver's output state.
type Resolution struct {
	ResolvedURL string
	IsLoading   bool
	Err         error
}

// SourceResolver turns a message's attachment reference into a displayable
// URL. Local files and already-absolute URLs resolve synchronously; opaque
// storage paths go through the signed-URL exchange asynchronously. When the
// input changes mid-exchange, the late result is discarded: only the
// resolution matching the latest input may update the output.
type SourceResolver struct {
	exchange SignedURLExchanger

	mu       sync.Mutex
	gen      uint64
	closed   bool
	state    Resolution
	preview  *Preview
	onUpdate func(Resolution)
}

// ResolverOption customizes a SourceResolver.
type ResolverOption func(*SourceResolver)

// WithResolutionHook registers a callback invoked (outside the lock) each
// time the output state changes.
func WithResolutionHook(fn func(Resolution)) ResolverOption {
	return func(r *SourceResolver) { r.onUpdate = fn }
}

// NewSourceResolver returns a resolver with empty output state.
func NewSourceResolver(exchange SignedURLExchanger, opts ...ResolverOption) *SourceResolver {
	r := &SourceResolver{exchange: exchange}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseSource classifies a raw source string the way the resolver expects:
// absolute http(s) URLs and locally allocated preview URLs stay URLs,
// anything else is an opaque storage path.
func ParseSource(s string) models.AttachmentRef {
	if s == "" {
		return models.AttachmentRef{}
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, PreviewScheme) || strings.HasPrefix(s, "data:") {
		return models.URLAttachment(s)
	}
	return models.PathAttachment(s)
}

// SetSource re-resolves against a new attachment reference. Any in-flight
// exchange for an earlier reference is invalidated.
func (r *SourceResolver) SetSource(ctx context.Context, ref models.AttachmentRef) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.gen++
	myGen := r.gen
	r.preview.Release()
	r.preview = nil

	switch ref.Kind() {
	case models.AttachmentNone:
		r.setStateLocked(Resolution{})
		r.mu.Unlock()
		return
	case models.AttachmentLocal:
		p := newPreview(nil)
		r.preview = p
		r.setStateLocked(Resolution{ResolvedURL: p.URL})
		r.mu.Unlock()
		return
	case models.AttachmentURL:
		r.setStateLocked(Resolution{ResolvedURL: ref.URL()})
		r.mu.Unlock()
		return
	case models.AttachmentPath:
		path := ref.Path()
		r.setStateLocked(Resolution{IsLoading: true})
		r.mu.Unlock()
		go r.exchangePath(ctx, myGen, path)
		return
	default:
		r.setStateLocked(Resolution{})
		r.mu.Unlock()
	}
}

func (r *SourceResolver) exchangePath(ctx context.Context, myGen uint64, path string) {
	url, err := r.exchange.CreateSignedURL(ctx, path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.gen != myGen {
		// A newer source arrived while the exchange was in flight.
		return
	}
	if err != nil {
		r.setStateLocked(Resolution{Err: &ResolutionError{Path: path, Err: err}})
		return
	}
	r.setStateLocked(Resolution{ResolvedURL: url})
}

// must hold r.mu
func (r *SourceResolver) setStateLocked(res Resolution) {
	r.state = res
	if r.onUpdate != nil {
		hook := r.onUpdate
		go hook(res)
	}
}

// Snapshot returns the current output state.
func (r *SourceResolver) Snapshot() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close releases any held preview and discards all future exchange results.
func (r *SourceResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.gen++
	r.preview.Release()
	r.preview = nil
	r.state = Resolution{}
}
