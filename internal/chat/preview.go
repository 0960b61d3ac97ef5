package chat

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewScheme prefixes locally allocated preview URLs. Resolvers treat any
// URL carrying this scheme as already displayable.
const PreviewScheme = "local:"

// Preview is a display resource allocated for a staged file. The holder that
// receives it owns it and must call Release when the conversation no longer
// needs the local copy. Release is idempotent.
type Preview struct {
	URL string

	once    sync.Once
	release func()
}

func newPreview(onRelease func()) *Preview {
	return &Preview{
		URL:     PreviewScheme + uuid.NewString(),
		release: onRelease,
	}
}

// Release frees the underlying resource. Calling it more than once is safe;
// only the first call runs the release hook.
func (p *Preview) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}
