package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/config"
	"keysync.io/keysync/internal/directory"
)

// fakeDirectory is an in-memory directory.Client with per-endpoint
// call tracking and injectable failures. Listings return deep copies,
// as a decoded wire response would.
type fakeDirectory struct {
	mu sync.Mutex

	version    int
	users      []*directory.User
	topGroups  []*directory.Group
	subGroups  map[string][]*directory.Group // parent id -> children
	members    map[string][]*directory.User  // group id -> direct members
	userGroups map[string][]*directory.Group // user id -> all groups

	token             string
	authenticateCalls int
	findUserCalls     int
	listUserPages     []directory.Page
	failUserPages     map[int]bool // keyed by Page.First
	countUsersErr     error
}

func fixtureUsers() []*directory.User {
	return []*directory.User{
		{ID: "u1", Username: "alice", Email: "alice@example.com", FirstName: "Alice", LastName: "Anders"},
		{ID: "u2", Username: "bob", Email: "bob@example.com", FirstName: "Bob", LastName: "Barker"},
		{ID: "u3", Username: "carol", Email: "carol@example.com"},
	}
}

// newRecursiveDirectory models a server with dedicated subgroup
// listing: engineering/platform plus a top-level ops group.
func newRecursiveDirectory() *fakeDirectory {
	users := fixtureUsers()
	return &fakeDirectory{
		version: 25,
		users:   users,
		topGroups: []*directory.Group{
			{ID: "g1", Name: "engineering", SubGroupCount: 1},
			{ID: "g3", Name: "ops"},
		},
		subGroups: map[string][]*directory.Group{
			"g1": {{ID: "g2", Name: "platform", ParentID: "g1"}},
		},
		members: map[string][]*directory.User{
			"g1": {users[0], users[1]},
			"g2": {users[1]},
			"g3": {users[2]},
		},
		userGroups: map[string][]*directory.Group{
			"u1": {{ID: "g1", Name: "engineering", SubGroupCount: 1}},
			"u2": {{ID: "g1", Name: "engineering", SubGroupCount: 1}, {ID: "g2", Name: "platform", ParentID: "g1"}},
			"u3": {{ID: "g3", Name: "ops"}},
		},
	}
}

// newEmbeddedDirectory models the same realm on an older server that
// embeds the full subtree in the top-level listing.
func newEmbeddedDirectory() *fakeDirectory {
	d := newRecursiveDirectory()
	d.version = 18
	d.topGroups = []*directory.Group{
		{ID: "g1", Name: "engineering", SubGroupCount: 1, SubGroups: []*directory.Group{
			{ID: "g2", Name: "platform", ParentID: "g1"},
		}},
		{ID: "g3", Name: "ops"},
	}
	d.subGroups = nil
	return d
}

func copyGroup(g *directory.Group) *directory.Group {
	out := *g
	out.SubGroups = nil
	for _, s := range g.SubGroups {
		out.SubGroups = append(out.SubGroups, copyGroup(s))
	}
	out.Members = append([]string(nil), g.Members...)
	return &out
}

func copyGroups(groups []*directory.Group) []*directory.Group {
	out := make([]*directory.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, copyGroup(g))
	}
	return out
}

func pageGroups(groups []*directory.Group, p directory.Page) []*directory.Group {
	if p.First >= len(groups) {
		return nil
	}
	end := p.First + p.Max
	if end > len(groups) {
		end = len(groups)
	}
	return copyGroups(groups[p.First:end])
}

func pageUsers(users []*directory.User, p directory.Page) []*directory.User {
	if p.First >= len(users) {
		return nil
	}
	end := p.First + p.Max
	if end > len(users) {
		end = len(users)
	}
	out := make([]*directory.User, 0, end-p.First)
	for _, u := range users[p.First:end] {
		c := *u
		out = append(out, &c)
	}
	return out
}

func (d *fakeDirectory) Authenticate(ctx context.Context, creds directory.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authenticateCalls++
	d.token = "opaque-admin-token"
	return nil
}

func (d *fakeDirectory) AccessToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *fakeDirectory) ServerVersion(ctx context.Context) (int, error) {
	return d.version, nil
}

func (d *fakeDirectory) CountUsers(ctx context.Context, realm string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.countUsersErr != nil {
		return 0, d.countUsersErr
	}
	return len(d.users), nil
}

func (d *fakeDirectory) CountGroups(ctx context.Context, realm string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.topGroups), nil
}

func (d *fakeDirectory) ListUsers(ctx context.Context, realm string, page directory.Page, brief bool) ([]*directory.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listUserPages = append(d.listUserPages, page)
	if d.failUserPages[page.First] {
		return nil, context.DeadlineExceeded
	}
	return pageUsers(d.users, page), nil
}

func (d *fakeDirectory) ListTopGroups(ctx context.Context, realm string, page directory.Page, brief bool) ([]*directory.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pageGroups(d.topGroups, page), nil
}

func (d *fakeDirectory) ListSubGroups(ctx context.Context, realm, parentID string, page directory.Page, brief bool) ([]*directory.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pageGroups(d.subGroups[parentID], page), nil
}

func (d *fakeDirectory) ListGroupMembers(ctx context.Context, realm, groupID string, page directory.Page) ([]*directory.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pageUsers(d.members[groupID], page), nil
}

func (d *fakeDirectory) ListUserGroups(ctx context.Context, realm, userID string, page directory.Page) ([]*directory.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pageGroups(d.userGroups[userID], page), nil
}

func (d *fakeDirectory) FindUser(ctx context.Context, realm, id string) (*directory.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.findUserCalls++
	for _, u := range d.users {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) FindGroup(ctx context.Context, realm, id string) (*directory.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var walk func(groups []*directory.Group) *directory.Group
	walk = func(groups []*directory.Group) *directory.Group {
		for _, g := range groups {
			if g.ID == id {
				return copyGroup(g)
			}
			if found := walk(g.SubGroups); found != nil {
				return found
			}
		}
		return nil
	}
	if found := walk(d.topGroups); found != nil {
		return found, nil
	}
	for _, subs := range d.subGroups {
		if found := walk(subs); found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// removeUser drops the user from the directory, simulating a deletion
// that already happened when the event arrives.
func (d *fakeDirectory) removeUser(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.users[:0]
	for _, u := range d.users {
		if u.ID != id {
			kept = append(kept, u)
		}
	}
	d.users = kept
}

// fakeCatalog is an in-memory sink: it records every mutation and
// keeps an entity store keyed by ref for the query API. Relations are
// seeded by tests, as the real sink derives them outside the engine.
type fakeCatalog struct {
	mu        sync.Mutex
	mutations []catalog.Mutation
	entities  map[string]*catalog.Entity
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entities: make(map[string]*catalog.Entity)}
}

func (c *fakeCatalog) seed(entities ...*catalog.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		c.entities[e.Ref()] = e
	}
}

func (c *fakeCatalog) ApplyMutation(ctx context.Context, m catalog.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = append(c.mutations, m)
	switch m.Type {
	case catalog.MutationFull:
		c.entities = make(map[string]*catalog.Entity, len(m.Entities))
		for _, env := range m.Entities {
			c.entities[env.Entity.Ref()] = env.Entity
		}
	case catalog.MutationDelta:
		for _, env := range m.Removed {
			delete(c.entities, env.Entity.Ref())
		}
		for _, env := range m.Added {
			c.entities[env.Entity.Ref()] = env.Entity
		}
	}
	return nil
}

func (c *fakeCatalog) GetEntities(ctx context.Context, filter catalog.EntityFilter) ([]*catalog.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*catalog.Entity
	for _, e := range c.entities {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		match := true
		for k, v := range filter.Annotations {
			if e.Annotation(k) != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetEntityByRef(ctx context.Context, ref string) (*catalog.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entities[ref], nil
}

func (c *fakeCatalog) lastMutation(t *testing.T) catalog.Mutation {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.mutations, "expected at least one mutation")
	return c.mutations[len(c.mutations)-1]
}

func (c *fakeCatalog) mutationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mutations)
}

func testProviderConfig() config.ProviderConfig {
	return config.ProviderConfig{
		ID:             "primary",
		BaseURL:        "https://sso.example.com",
		Realm:          "master",
		LoginRealm:     "master",
		Username:       "admin",
		Password:       "hunter2",
		UserQuerySize:  2,
		GroupQuerySize: 2,
		MaxConcurrency: 4,
	}
}

func newTestProvider(t *testing.T, dir directory.Client) (*Provider, *fakeCatalog) {
	t.Helper()
	cat := newFakeCatalog()
	p, err := NewProvider(testProviderConfig(), dir, cat, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	p.Connect(cat)
	return p, cat
}

// entityNames collects metadata names from envelopes, per kind.
func entityNames(envelopes []catalog.EntityEnvelope, kind string) []string {
	var names []string
	for _, env := range envelopes {
		if env.Entity.Kind == kind {
			names = append(names, env.Entity.Metadata.Name)
		}
	}
	return names
}

func findEnvelope(t *testing.T, envelopes []catalog.EntityEnvelope, kind, name string) *catalog.Entity {
	t.Helper()
	for _, env := range envelopes {
		if env.Entity.Kind == kind && env.Entity.Metadata.Name == name {
			return env.Entity
		}
	}
	t.Fatalf("no %s entity named %q in mutation", kind, name)
	return nil
}
