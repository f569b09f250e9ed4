package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/directory"
	apperrors "keysync.io/keysync/internal/pkg/errors"
)

func TestRead_FullSnapshot(t *testing.T) {
	dir := newRecursiveDirectory()
	p, cat := newTestProvider(t, dir)

	require.NoError(t, p.Read(context.Background(), "task-1"))

	m := cat.lastMutation(t)
	require.Equal(t, catalog.MutationFull, m.Type)
	assert.Equal(t, "keycloak-org-provider:primary", m.LocationKey)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, entityNames(m.Entities, catalog.KindUser))
	assert.ElementsMatch(t, []string{"engineering", "platform", "ops"}, entityNames(m.Entities, catalog.KindGroup))

	for _, env := range m.Entities {
		assert.Equal(t, "keycloak-org-provider:primary", env.LocationKey)
		assert.NotEmpty(t, env.Entity.Annotation(AnnotationDirectoryID))
		assert.Equal(t, "master", env.Entity.Annotation(AnnotationRealm))
		assert.NotEmpty(t, env.Entity.Annotation(catalog.AnnotationLocation))
	}

	eng := findEnvelope(t, m.Entities, catalog.KindGroup, "engineering")
	assert.Equal(t, []string{"platform"}, eng.Spec.Children)
	assert.ElementsMatch(t, []string{"alice", "bob"}, eng.Spec.Members)
	assert.Empty(t, eng.Spec.Parent)

	platform := findEnvelope(t, m.Entities, catalog.KindGroup, "platform")
	assert.Equal(t, "engineering", platform.Spec.Parent)
	assert.Equal(t, []string{"bob"}, platform.Spec.Members)

	bob := findEnvelope(t, m.Entities, catalog.KindUser, "bob")
	assert.ElementsMatch(t, []string{"engineering", "platform"}, bob.Spec.MemberOf)
	assert.Equal(t, "Bob Barker", bob.Spec.Profile.DisplayName)

	carol := findEnvelope(t, m.Entities, catalog.KindUser, "carol")
	assert.Equal(t, []string{"ops"}, carol.Spec.MemberOf)
}

// A realm emptied upstream still commits a full mutation carrying the
// provider's location key, so the sink evicts the stale entity set.
func TestRead_EmptyRealmCommitsKeyedMutation(t *testing.T) {
	p, cat := newTestProvider(t, &fakeDirectory{version: 25})

	require.NoError(t, p.Read(context.Background(), "task-empty"))

	m := cat.lastMutation(t)
	require.Equal(t, catalog.MutationFull, m.Type)
	assert.Equal(t, "keycloak-org-provider:primary", m.LocationKey)
	assert.Empty(t, m.Entities)
}

// Both hierarchy strategies must produce the same entity set for the
// same realm content.
func TestRead_EmbeddedListingMatchesRecursive(t *testing.T) {
	pRec, catRec := newTestProvider(t, newRecursiveDirectory())
	require.NoError(t, pRec.Read(context.Background(), "task-rec"))

	pEmb, catEmb := newTestProvider(t, newEmbeddedDirectory())
	require.NoError(t, pEmb.Read(context.Background(), "task-emb"))

	rec, emb := catRec.lastMutation(t), catEmb.lastMutation(t)
	require.Len(t, emb.Entities, len(rec.Entities))

	for _, env := range rec.Entities {
		other := findEnvelope(t, emb.Entities, env.Entity.Kind, env.Entity.Metadata.Name)
		assert.Equal(t, env.Entity.Spec.Parent, other.Spec.Parent, env.Entity.Metadata.Name)
		assert.ElementsMatch(t, env.Entity.Spec.Children, other.Spec.Children, env.Entity.Metadata.Name)
		assert.ElementsMatch(t, env.Entity.Spec.Members, other.Spec.Members, env.Entity.Metadata.Name)
		assert.ElementsMatch(t, env.Entity.Spec.MemberOf, other.Spec.MemberOf, env.Entity.Metadata.Name)
	}
}

func TestRead_Idempotent(t *testing.T) {
	p, cat := newTestProvider(t, newRecursiveDirectory())

	require.NoError(t, p.Read(context.Background(), "task-1"))
	first := cat.lastMutation(t)
	require.NoError(t, p.Read(context.Background(), "task-2"))
	second := cat.lastMutation(t)

	assert.Equal(t, 2, cat.mutationCount())
	assert.Equal(t, first, second)
}

// Query size 2 against 3 users forces two pages; every record must
// appear exactly once.
func TestRead_PaginationComplete(t *testing.T) {
	dir := newRecursiveDirectory()
	p, cat := newTestProvider(t, dir)

	require.NoError(t, p.Read(context.Background(), "task-1"))

	users := entityNames(cat.lastMutation(t).Entities, catalog.KindUser)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, users)

	dir.mu.Lock()
	defer dir.mu.Unlock()
	require.Len(t, dir.listUserPages, 2)
	offsets := []int{dir.listUserPages[0].First, dir.listUserPages[1].First}
	assert.ElementsMatch(t, []int{0, 2}, offsets)
	for _, page := range dir.listUserPages {
		assert.Equal(t, 2, page.Max)
	}
}

// A failed page contributes zero records but does not fail the sync.
func TestRead_ToleratesBatchFailure(t *testing.T) {
	dir := newRecursiveDirectory()
	dir.failUserPages = map[int]bool{2: true}
	p, cat := newTestProvider(t, dir)

	require.NoError(t, p.Read(context.Background(), "task-1"))

	users := entityNames(cat.lastMutation(t).Entities, catalog.KindUser)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	assert.Equal(t, int64(1), p.Status().BatchFailures)
}

// A transformer returning nil excludes the record, and name resolution
// strips it from group member lists.
func TestRead_TransformerRejection(t *testing.T) {
	p, cat := newTestProvider(t, newRecursiveDirectory())
	require.NoError(t, p.SetUserTransformer(func(entity *catalog.Entity, user *directory.User, realm string, groups []*ParsedGroup) (*catalog.Entity, error) {
		if user.Username == "bob" {
			return nil, nil
		}
		return entity, nil
	}))

	require.NoError(t, p.Read(context.Background(), "task-1"))

	m := cat.lastMutation(t)
	assert.ElementsMatch(t, []string{"alice", "carol"}, entityNames(m.Entities, catalog.KindUser))

	eng := findEnvelope(t, m.Entities, catalog.KindGroup, "engineering")
	assert.Equal(t, []string{"alice"}, eng.Spec.Members)
	platform := findEnvelope(t, m.Entities, catalog.KindGroup, "platform")
	assert.Empty(t, platform.Spec.Members)
}

// A renaming transformer must leave no dangling raw names after the
// resolution pass.
func TestRead_TransformerRenameResolved(t *testing.T) {
	p, cat := newTestProvider(t, newRecursiveDirectory())
	require.NoError(t, p.SetGroupTransformer(func(entity *catalog.Entity, group *directory.Group, realm string) (*catalog.Entity, error) {
		entity.Metadata.Name = "team-" + entity.Metadata.Name
		return entity, nil
	}))

	require.NoError(t, p.Read(context.Background(), "task-1"))

	m := cat.lastMutation(t)
	eng := findEnvelope(t, m.Entities, catalog.KindGroup, "team-engineering")
	assert.Equal(t, []string{"team-platform"}, eng.Spec.Children)
	platform := findEnvelope(t, m.Entities, catalog.KindGroup, "team-platform")
	assert.Equal(t, "team-engineering", platform.Spec.Parent)

	bob := findEnvelope(t, m.Entities, catalog.KindUser, "bob")
	assert.ElementsMatch(t, []string{"team-engineering", "team-platform"}, bob.Spec.MemberOf)
}

func TestRead_NotConnected(t *testing.T) {
	p, err := NewProvider(testProviderConfig(), newRecursiveDirectory(), newFakeCatalog(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	err = p.Read(context.Background(), "task-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotInitialized))
}

func TestRun_CountsTaskFailure(t *testing.T) {
	dir := newRecursiveDirectory()
	dir.countUsersErr = context.DeadlineExceeded
	p, cat := newTestProvider(t, dir)

	p.Run(context.Background())

	assert.Equal(t, 0, cat.mutationCount())
	assert.Equal(t, int64(1), p.Status().TaskFailures)
}
