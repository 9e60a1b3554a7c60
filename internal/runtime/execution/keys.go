package execution

// Key is a typed attribute name.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) Name() string { return k.name }

// Set stores value under the typed key.
func (k Key[T]) Set(c *Context, value T) {
	c.Set(k.name, value)
}

// Get reads the typed key. A value stored with another type reports false.
func (k Key[T]) Get(c *Context) (T, bool) {
	return Get[T](c, k.name)
}

// Get reads an attribute by name and checks its dynamic type.
func Get[T any](c *Context, name string) (T, bool) {
	var zero T
	v, ok := c.Attribute(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
