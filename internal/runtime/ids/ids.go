// Package ids generates correlation and event identifiers. Generators are
// values owned by whoever needs them; there is no process-wide state.
package ids

// Generator produces unique identifiers.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func() string

// NewID calls f.
func (f GeneratorFunc) NewID() string {
	return f()
}

// Default returns the generator used when none is injected.
func Default() Generator {
	return NewULID()
}
