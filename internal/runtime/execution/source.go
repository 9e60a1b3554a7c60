package execution

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Source describes where an event entered the system. The set of variants is
// closed: only the types in this file implement it.
type Source interface {
	sourceKind() string
}

// HTTP is a request received by an HTTP endpoint.
type HTTP struct {
	Method     string
	Path       string
	RemoteAddr string
}

// Socket is a frame read from a long-lived connection such as a WebSocket.
type Socket struct {
	ConnectionID string
	RemoteAddr   string
}

// Queue is a message consumed from a broker topic.
type Queue struct {
	Topic     string
	MessageID string
}

// FileSystem is a change observed on a path.
type FileSystem struct {
	Path      string
	Operation string
}

// DBTrigger is a row change published by a database.
type DBTrigger struct {
	Table     string
	Operation string
}

// Custom covers any other origin.
type Custom struct {
	Kind       string
	Attributes map[string]string
}

func (HTTP) sourceKind() string       { return "http" }
func (Socket) sourceKind() string     { return "socket" }
func (Queue) sourceKind() string      { return "queue" }
func (FileSystem) sourceKind() string { return "filesystem" }
func (DBTrigger) sourceKind() string  { return "db" }
func (Custom) sourceKind() string     { return "custom" }

// Kind returns a short label for the variant, "unknown" for nil.
func Kind(src Source) string {
	if src == nil {
		return "unknown"
	}
	return src.sourceKind()
}

// Describe renders a source for logs and span attributes.
func Describe(src Source) string {
	switch s := src.(type) {
	case HTTP:
		return fmt.Sprintf("http %s %s from %s", s.Method, s.Path, s.RemoteAddr)
	case Socket:
		return fmt.Sprintf("socket %s from %s", s.ConnectionID, s.RemoteAddr)
	case Queue:
		if s.MessageID == "" {
			return "queue " + s.Topic
		}
		return fmt.Sprintf("queue %s message %s", s.Topic, s.MessageID)
	case FileSystem:
		return fmt.Sprintf("filesystem %s %s", s.Operation, s.Path)
	case DBTrigger:
		return fmt.Sprintf("db %s on %s", s.Operation, s.Table)
	case Custom:
		if len(s.Attributes) == 0 {
			return "custom " + s.Kind
		}
		keys := slices.Sorted(maps.Keys(s.Attributes))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+s.Attributes[k])
		}
		return fmt.Sprintf("custom %s [%s]", s.Kind, strings.Join(parts, " "))
	case nil:
		return "unknown"
	default:
		panic(fmt.Sprintf("execution: unhandled source %T", src))
	}
}
