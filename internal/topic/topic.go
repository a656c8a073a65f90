// Package topic maps pairing codes to session topics on the message bus.
package topic

import "strings"

// DefaultNamespace prefixes every session topic unless configured otherwise.
const DefaultNamespace = "sofya-platform"

// None is returned for codes that do not name a session. Callers must treat
// it as "no active session" and never subscribe or publish to it.
const None = ""

const suffix = "transcriptions"

// Resolver derives "<namespace>/<code>/transcriptions" from a pairing code.
type Resolver struct {
	Namespace string
}

// New returns a resolver for namespace, falling back to DefaultNamespace.
func New(namespace string) Resolver {
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Resolver{Namespace: namespace}
}

// Resolve trims code and returns its session topic, or None when it is empty.
func (r Resolver) Resolve(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return None
	}
	namespace := r.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + code + "/" + suffix
}

// Resolve uses the default namespace.
func Resolve(code string) string {
	return Resolver{}.Resolve(code)
}
