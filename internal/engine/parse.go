package engine

import (
	"strings"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/directory"
)

// Annotations stamped on every produced entity. Without the directory
// id an entity cannot be matched back to its directory record, so it is
// never emitted.
const (
	AnnotationDirectoryID = "keycloak.org/id"
	AnnotationRealm       = "keycloak.org/realm"
)

// ParsedGroup pairs a raw directory group with the entity built from it.
type ParsedGroup struct {
	Group  *directory.Group
	Entity *catalog.Entity
}

// ParsedUser pairs a raw directory user with the entity built from it.
type ParsedUser struct {
	User   *directory.User
	Entity *catalog.Entity
}

// GroupIndex maps a username to the ordered set of group entity names
// the user belongs to. Set semantics per key: a group name appears at
// most once per user.
type GroupIndex struct {
	byUser map[string][]string
	seen   map[string]map[string]struct{}
}

// NewGroupIndex returns an empty index.
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{
		byUser: make(map[string][]string),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Add records that username belongs to groupName, ignoring duplicates.
func (idx *GroupIndex) Add(username, groupName string) {
	if idx.seen[username] == nil {
		idx.seen[username] = make(map[string]struct{})
	}
	if _, dup := idx.seen[username][groupName]; dup {
		return
	}
	idx.seen[username][groupName] = struct{}{}
	idx.byUser[username] = append(idx.byUser[username], groupName)
}

// Set replaces the membership list for username.
func (idx *GroupIndex) Set(username string, groups []string) {
	idx.byUser[username] = nil
	idx.seen[username] = nil
	for _, g := range groups {
		idx.Add(username, g)
	}
}

// Groups returns the membership list for username.
func (idx *GroupIndex) Groups(username string) []string {
	return idx.byUser[username]
}

// BuildGroupIndex indexes every member of every parsed group.
func BuildGroupIndex(groups []*ParsedGroup) *GroupIndex {
	idx := NewGroupIndex()
	for _, g := range groups {
		for _, member := range g.Group.Members {
			idx.Add(member, g.Entity.Metadata.Name)
		}
	}
	return idx
}

// ParseGroup builds a Group entity from a raw directory group. Children
// carry subgroup names, Parent the parent name and Members the raw
// usernames; all are rewritten to post-transform entity names by
// resolveEntityNames once every transformer has run.
func ParseGroup(group *directory.Group, realm string, transformer GroupTransformer) (*catalog.Entity, error) {
	if transformer == nil {
		transformer = NoopGroupTransformer
	}
	children := make([]string, 0, len(group.SubGroups))
	for _, sub := range group.SubGroups {
		children = append(children, sub.Name)
	}
	entity := &catalog.Entity{
		APIVersion: catalog.APIVersion,
		Kind:       catalog.KindGroup,
		Metadata: catalog.Metadata{
			Name: group.Name,
			Annotations: map[string]string{
				AnnotationDirectoryID: group.ID,
				AnnotationRealm:       realm,
			},
		},
		Spec: catalog.Spec{
			Type:     "group",
			Profile:  catalog.Profile{DisplayName: group.Name},
			Children: children,
			Parent:   group.Parent,
			Members:  group.Members,
		},
	}
	out, err := transformer(entity, group, realm)
	if err != nil {
		return nil, err
	}
	if out != nil && out.Annotation(AnnotationDirectoryID) == "" {
		// Cannot be matched back to a directory record; drop it.
		return nil, nil
	}
	return out, nil
}

// ParseUser builds a User entity from a raw directory user. MemberOf is
// looked up from the group index by username.
func ParseUser(user *directory.User, realm string, groups []*ParsedGroup, index *GroupIndex, transformer UserTransformer) (*catalog.Entity, error) {
	if transformer == nil {
		transformer = NoopUserTransformer
	}
	entity := &catalog.Entity{
		APIVersion: catalog.APIVersion,
		Kind:       catalog.KindUser,
		Metadata: catalog.Metadata{
			Name: user.Username,
			Annotations: map[string]string{
				AnnotationDirectoryID: user.ID,
				AnnotationRealm:       realm,
			},
		},
		Spec: catalog.Spec{
			Profile: catalog.Profile{
				Email:       user.Email,
				DisplayName: displayName(user),
			},
			MemberOf: index.Groups(user.Username),
		},
	}
	out, err := transformer(entity, user, realm, groups)
	if err != nil {
		return nil, err
	}
	if out != nil && out.Annotation(AnnotationDirectoryID) == "" {
		return nil, nil
	}
	return out, nil
}

func displayName(user *directory.User) string {
	parts := make([]string, 0, 2)
	if user.FirstName != "" {
		parts = append(parts, user.FirstName)
	}
	if user.LastName != "" {
		parts = append(parts, user.LastName)
	}
	return strings.Join(parts, " ")
}

// resolveEntityNames rewrites group members, children and parent from
// raw directory names to post-transform entity names. Transformers may
// rename; references that no longer resolve are dropped, not left
// dangling. User memberOf already carries entity names via the index.
func resolveEntityNames(users []*ParsedUser, groups []*ParsedGroup) {
	userNames := make(map[string]string, len(users))
	for _, u := range users {
		userNames[u.User.Username] = u.Entity.Metadata.Name
	}
	groupNames := make(map[string]string, len(groups))
	for _, g := range groups {
		groupNames[g.Group.Name] = g.Entity.Metadata.Name
	}

	for _, g := range groups {
		g.Entity.Spec.Members = remap(g.Entity.Spec.Members, userNames)
		g.Entity.Spec.Children = remap(g.Entity.Spec.Children, groupNames)
		g.Entity.Spec.Parent = groupNames[g.Entity.Spec.Parent]
	}
}

// remap translates refs through names, dropping unresolved entries.
func remap(refs []string, names map[string]string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if name, ok := names[ref]; ok {
			out = append(out, name)
		}
	}
	return out
}
