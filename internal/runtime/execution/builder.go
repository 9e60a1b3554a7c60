package execution

import (
	"time"

	cachepkg "github.com/drblury/phaseflow/internal/runtime/cache"
	idspkg "github.com/drblury/phaseflow/internal/runtime/ids"
	servicespkg "github.com/drblury/phaseflow/internal/runtime/services"
	sessionpkg "github.com/drblury/phaseflow/internal/runtime/session"
)

type namedService struct {
	name     string
	instance any
}

// Builder assembles a Context. Unset parts get defaults on Build: a generated
// correlation id, a Custom "direct" source, a fresh cache and registry.
type Builder struct {
	correlationID string
	source        Source
	session       *sessionpkg.Session
	cache         *cachepkg.Cache
	services      *servicespkg.Registry
	pending       []namedService
	attrs         map[string]any
	ids           idspkg.Generator
	now           func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{attrs: make(map[string]any)}
}

func (b *Builder) CorrelationID(id string) *Builder {
	b.correlationID = id
	return b
}

func (b *Builder) Source(src Source) *Builder {
	b.source = src
	return b
}

func (b *Builder) Session(s *sessionpkg.Session) *Builder {
	b.session = s
	return b
}

func (b *Builder) Cache(c *cachepkg.Cache) *Builder {
	b.cache = c
	return b
}

// Services sets the shared registry the context starts from.
func (b *Builder) Services(r *servicespkg.Registry) *Builder {
	b.services = r
	return b
}

// Service adds a context-local collaborator. It never mutates a registry
// passed to Services: Build layers local services over a copy.
func (b *Builder) Service(name string, instance any) *Builder {
	b.pending = append(b.pending, namedService{name: name, instance: instance})
	return b
}

func (b *Builder) Attribute(key string, value any) *Builder {
	if b.attrs == nil {
		b.attrs = make(map[string]any)
	}
	b.attrs[key] = value
	return b
}

// IDGenerator sets the generator used when no correlation id is given.
func (b *Builder) IDGenerator(gen idspkg.Generator) *Builder {
	b.ids = gen
	return b
}

// Clock overrides the start time source.
func (b *Builder) Clock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build creates the Context. It fails only when a context-local service
// clashes with an existing name.
func (b *Builder) Build() (*Context, error) {
	correlationID := b.correlationID
	if correlationID == "" {
		gen := b.ids
		if gen == nil {
			gen = idspkg.Default()
		}
		correlationID = gen.NewID()
	}

	src := b.source
	if src == nil {
		src = Custom{Kind: "direct"}
	}

	cache := b.cache
	if cache == nil {
		cache = cachepkg.New()
	}

	registry := b.services
	if registry == nil {
		registry = servicespkg.NewRegistry()
	} else if len(b.pending) > 0 {
		registry = registry.Clone()
	}
	for _, svc := range b.pending {
		if err := registry.Register(svc.name, svc.instance); err != nil {
			return nil, err
		}
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	attrs := make(map[string]any, len(b.attrs))
	for k, v := range b.attrs {
		attrs[k] = v
	}

	return &Context{
		correlationID: correlationID,
		source:        src,
		session:       b.session,
		cache:         cache,
		services:      registry,
		startedAt:     now(),
		attrs:         attrs,
	}, nil
}

// MustBuild is Build for tests and setup code that registers no conflicting services.
func (b *Builder) MustBuild() *Context {
	ec, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ec
}
