// Package catalog defines the entity model accepted by the downstream
// catalog sink, and the sink's interfaces. The sink's storage engine is
// an external collaborator; the engine only produces entities and
// mutations and queries current state through the API interface.
package catalog

import (
	"fmt"
	"strings"
)

// APIVersion is stamped on every produced entity.
const APIVersion = "keysync.io/v1beta1"

// Entity kinds.
const (
	KindUser  = "User"
	KindGroup = "Group"
)

// DefaultNamespace is used when an entity carries no namespace.
const DefaultNamespace = "default"

// Location annotations stamped on every emitted entity, pointing back
// at the directory record it was built from.
const (
	AnnotationLocation       = "keysync.io/location"
	AnnotationOriginLocation = "keysync.io/origin-location"
)

// Relation types maintained by the sink between catalog entities.
const (
	RelationMemberOf  = "memberOf"
	RelationHasMember = "hasMember"
	RelationChildOf   = "childOf"
	RelationParentOf  = "parentOf"
)

// Metadata identifies an entity. Identity is (kind, namespace, name).
type Metadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Profile carries display fields for users and groups.
type Profile struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Spec holds the kind-specific fields. Users use MemberOf; groups use
// Type, Parent, Children and Members.
type Spec struct {
	Type     string   `json:"type,omitempty"`
	Profile  Profile  `json:"profile"`
	MemberOf []string `json:"memberOf,omitempty"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// Relation is a typed edge to another entity, maintained by the sink.
type Relation struct {
	Type      string `json:"type"`
	TargetRef string `json:"targetRef"`
}

// Entity is the durable catalog artifact. The engine constructs them
// transiently; the sink owns them afterwards.
type Entity struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Metadata   Metadata   `json:"metadata"`
	Spec       Spec       `json:"spec"`
	Relations  []Relation `json:"relations,omitempty"`
}

// Ref returns the entity's reference string, e.g. "group:default/eng".
func (e *Entity) Ref() string {
	ns := e.Metadata.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return refFor(e.Kind, ns, e.Metadata.Name)
}

func refFor(kind, namespace, name string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s/%s", kind, namespace, name))
}

// Annotation returns the named annotation or "".
func (e *Entity) Annotation(key string) string {
	return e.Metadata.Annotations[key]
}

// RelationRefs returns the target refs of all relations of the given type.
func (e *Entity) RelationRefs(relType string) []string {
	var refs []string
	for _, r := range e.Relations {
		if r.Type == relType {
			refs = append(refs, r.TargetRef)
		}
	}
	return refs
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	out := *e
	if e.Metadata.Annotations != nil {
		out.Metadata.Annotations = make(map[string]string, len(e.Metadata.Annotations))
		for k, v := range e.Metadata.Annotations {
			out.Metadata.Annotations[k] = v
		}
	}
	out.Spec.MemberOf = append([]string(nil), e.Spec.MemberOf...)
	out.Spec.Children = append([]string(nil), e.Spec.Children...)
	out.Spec.Members = append([]string(nil), e.Spec.Members...)
	out.Relations = append([]Relation(nil), e.Relations...)
	return &out
}
