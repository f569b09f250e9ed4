package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/directory"
)

func TestParseGroup(t *testing.T) {
	g := &directory.Group{
		ID:   "g1",
		Name: "engineering",
		SubGroups: []*directory.Group{
			{ID: "g2", Name: "platform"},
		},
		Parent:  "root",
		Members: []string{"alice", "bob"},
	}

	entity, err := ParseGroup(g, "master", nil)
	require.NoError(t, err)
	require.NotNil(t, entity)

	assert.Equal(t, catalog.KindGroup, entity.Kind)
	assert.Equal(t, "engineering", entity.Metadata.Name)
	assert.Equal(t, "g1", entity.Annotation(AnnotationDirectoryID))
	assert.Equal(t, "master", entity.Annotation(AnnotationRealm))
	assert.Equal(t, "group", entity.Spec.Type)
	assert.Equal(t, []string{"platform"}, entity.Spec.Children)
	assert.Equal(t, "root", entity.Spec.Parent)
	assert.Equal(t, []string{"alice", "bob"}, entity.Spec.Members)
}

// A transformer that strips the directory id annotation makes the
// entity unmatchable; it must be dropped, not emitted.
func TestParseGroup_DropsEntityWithoutDirectoryID(t *testing.T) {
	g := &directory.Group{ID: "g1", Name: "engineering"}
	entity, err := ParseGroup(g, "master", func(entity *catalog.Entity, _ *directory.Group, _ string) (*catalog.Entity, error) {
		entity.Metadata.Annotations = nil
		return entity, nil
	})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestParseUser_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		user *directory.User
		want string
	}{
		{"both names", &directory.User{ID: "u1", Username: "alice", FirstName: "Alice", LastName: "Anders"}, "Alice Anders"},
		{"first only", &directory.User{ID: "u1", Username: "alice", FirstName: "Alice"}, "Alice"},
		{"last only", &directory.User{ID: "u1", Username: "alice", LastName: "Anders"}, "Anders"},
		{"neither", &directory.User{ID: "u1", Username: "alice"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := ParseUser(tt.user, "master", nil, NewGroupIndex(), nil)
			require.NoError(t, err)
			require.NotNil(t, entity)
			assert.Equal(t, tt.want, entity.Spec.Profile.DisplayName)
		})
	}
}

func TestGroupIndex_SetSemantics(t *testing.T) {
	idx := NewGroupIndex()
	idx.Add("alice", "engineering")
	idx.Add("alice", "engineering")
	idx.Add("alice", "ops")
	assert.Equal(t, []string{"engineering", "ops"}, idx.Groups("alice"))

	idx.Set("alice", []string{"ops", "ops", "qa"})
	assert.Equal(t, []string{"ops", "qa"}, idx.Groups("alice"))
}

func TestBuildGroupIndex(t *testing.T) {
	groups := []*ParsedGroup{
		{
			Group:  &directory.Group{Name: "engineering", Members: []string{"alice", "bob"}},
			Entity: &catalog.Entity{Metadata: catalog.Metadata{Name: "team-engineering"}},
		},
		{
			Group:  &directory.Group{Name: "ops", Members: []string{"bob"}},
			Entity: &catalog.Entity{Metadata: catalog.Metadata{Name: "team-ops"}},
		},
	}
	idx := BuildGroupIndex(groups)
	assert.Equal(t, []string{"team-engineering"}, idx.Groups("alice"))
	assert.Equal(t, []string{"team-engineering", "team-ops"}, idx.Groups("bob"))
	assert.Nil(t, idx.Groups("carol"))
}

// References to renamed entities are rewritten; references that no
// longer resolve are dropped rather than left dangling.
func TestResolveEntityNames(t *testing.T) {
	groups := []*ParsedGroup{
		{
			Group: &directory.Group{Name: "engineering"},
			Entity: &catalog.Entity{
				Metadata: catalog.Metadata{Name: "team-engineering"},
				Spec: catalog.Spec{
					Members:  []string{"alice", "rejected-user"},
					Children: []string{"platform", "rejected-group"},
				},
			},
		},
		{
			Group: &directory.Group{Name: "platform"},
			Entity: &catalog.Entity{
				Metadata: catalog.Metadata{Name: "team-platform"},
				Spec:     catalog.Spec{Parent: "engineering"},
			},
		},
	}
	users := []*ParsedUser{
		{
			User:   &directory.User{Username: "alice"},
			Entity: &catalog.Entity{Metadata: catalog.Metadata{Name: "alice"}},
		},
	}

	resolveEntityNames(users, groups)

	assert.Equal(t, []string{"alice"}, groups[0].Entity.Spec.Members)
	assert.Equal(t, []string{"team-platform"}, groups[0].Entity.Spec.Children)
	assert.Equal(t, "team-engineering", groups[1].Entity.Spec.Parent)
}

func TestSanitizeEmailTransformer(t *testing.T) {
	entity := &catalog.Entity{
		Metadata: catalog.Metadata{Name: "first.last@example.com"},
	}
	out, err := SanitizeEmailTransformer(entity, &directory.User{}, "master", nil)
	require.NoError(t, err)
	assert.Equal(t, "first-last-example-com", out.Metadata.Name)
}
