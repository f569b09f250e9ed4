package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/config"
	"keysync.io/keysync/internal/directory"
	"keysync.io/keysync/internal/directory/tokenguard"
	apperrors "keysync.io/keysync/internal/pkg/errors"
	"keysync.io/keysync/internal/pkg/worker"
)

// recursiveListingVersion is the server major version from which
// subgroups must be listed through dedicated calls instead of arriving
// embedded in the top-level listing.
const recursiveListingVersion = 23

// reader performs one directory read: either a full realm snapshot or
// the group-resolution slice of it used by the incremental reconciler.
type reader struct {
	client directory.Client
	guard  *tokenguard.Guard
	cfg    *config.ProviderConfig
	limit  *worker.Limiter
	log    *zap.Logger

	userTransformer  UserTransformer
	groupTransformer GroupTransformer

	batchFailures *atomic.Int64
	taskInstance  string
}

// fetchPaged reads all pages of a listing under the fetch limiter. A
// failed page is counted and contributes zero records; the read
// continues. Pages complete in any order; results merge only after
// every page future has resolved.
func fetchPaged[T any](
	ctx context.Context,
	r *reader,
	querySize int,
	count func(context.Context) (int, error),
	list func(context.Context, directory.Page) ([]T, error),
) ([]T, error) {
	if err := r.guard.EnsureValid(ctx); err != nil {
		return nil, err
	}
	total, err := count(ctx)
	if err != nil {
		return nil, err
	}
	pageCount := (total + querySize - 1) / querySize

	pages := make([][]T, pageCount)
	grp := r.limit.NewGroup()
	for i := 0; i < pageCount; i++ {
		i := i
		err := grp.Go(ctx, func(ctx context.Context) {
			if err := r.guard.EnsureValid(ctx); err != nil {
				r.recordBatchFailure(i, pageCount, err)
				return
			}
			batch, err := list(ctx, directory.Page{First: i * querySize, Max: querySize})
			if err != nil {
				r.recordBatchFailure(i, pageCount, err)
				return
			}
			r.log.Debug("imported directory entity batch",
				zap.Int("page", i),
				zap.Int("pages", pageCount),
			)
			pages[i] = batch
		})
		if err != nil {
			grp.Wait()
			return nil, err
		}
	}
	grp.Wait()

	var out []T
	for _, page := range pages {
		out = append(out, page...)
	}
	return out, nil
}

func (r *reader) recordBatchFailure(page, pages int, err error) {
	r.batchFailures.Add(1)
	r.log.Warn("failed to retrieve directory entity batch",
		zap.Int("page", page),
		zap.Int("pages", pages),
		zap.String("task_instance_id", r.taskInstance),
		zap.Error(err),
	)
}

func (r *reader) fetchUsers(ctx context.Context) ([]*directory.User, error) {
	return fetchPaged(ctx, r, r.cfg.UserQuerySize,
		func(ctx context.Context) (int, error) {
			return r.client.CountUsers(ctx, r.cfg.Realm)
		},
		func(ctx context.Context, page directory.Page) ([]*directory.User, error) {
			return r.client.ListUsers(ctx, r.cfg.Realm, page, r.cfg.Brief())
		},
	)
}

func (r *reader) fetchTopGroups(ctx context.Context) ([]*directory.Group, error) {
	return fetchPaged(ctx, r, r.cfg.GroupQuerySize,
		func(ctx context.Context) (int, error) {
			return r.client.CountGroups(ctx, r.cfg.Realm)
		},
		func(ctx context.Context, page directory.Page) ([]*directory.Group, error) {
			return r.client.ListTopGroups(ctx, r.cfg.Realm, page, r.cfg.Brief())
		},
	)
}

func (r *reader) serverVersion(ctx context.Context) (int, error) {
	if err := r.guard.EnsureValid(ctx); err != nil {
		return 0, err
	}
	version, err := r.client.ServerVersion(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeServerVersionUnavailable,
			"failed to retrieve directory server information", http.StatusBadGateway)
	}
	return version, nil
}

// collectGroupsRecursive flattens the hierarchy on servers with
// dedicated subgroup listing. Explicit worklist, not recursion: trees
// can be deep. Depth-first order matches the embedded strategy.
func (r *reader) collectGroupsRecursive(ctx context.Context, top []*directory.Group) ([]*directory.Group, error) {
	all := make([]*directory.Group, 0, len(top))
	stack := make([]*directory.Group, 0, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		stack = append(stack, top[i])
	}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		all = append(all, g)

		if g.SubGroupCount <= 0 {
			continue
		}
		if err := r.guard.EnsureValid(ctx); err != nil {
			return nil, err
		}
		subs, err := r.client.ListSubGroups(ctx, r.cfg.Realm, g.ID,
			directory.Page{First: 0, Max: g.SubGroupCount}, r.cfg.Brief())
		if err != nil {
			return nil, fmt.Errorf("list subgroups of %q: %w", g.Name, err)
		}
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, subs[i])
		}
	}
	return all, nil
}

// flattenEmbedded walks group trees that arrived embedded in the
// top-level listing, stamping each child's parent name on the way down.
// No directory calls are needed.
func flattenEmbedded(top []*directory.Group) []*directory.Group {
	var all []*directory.Group
	stack := make([]*directory.Group, 0, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		stack = append(stack, top[i])
	}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		all = append(all, g)

		for i := len(g.SubGroups) - 1; i >= 0; i-- {
			sub := g.SubGroups[i]
			sub.Parent = g.Name
			stack = append(stack, sub)
		}
	}
	return all
}

// allGroupMembers pages through a group's membership until a page comes
// back short or empty.
func (r *reader) allGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	querySize := r.cfg.UserQuerySize
	var members []string
	for page := 0; ; page++ {
		if err := r.guard.EnsureValid(ctx); err != nil {
			return nil, err
		}
		batch, err := r.client.ListGroupMembers(ctx, r.cfg.Realm, groupID,
			directory.Page{First: page * querySize, Max: querySize})
		if err != nil {
			return nil, err
		}
		for _, m := range batch {
			members = append(members, m.Username)
		}
		if len(batch) < querySize {
			return members, nil
		}
	}
}

// allUserGroups pages through the groups a user belongs to.
func (r *reader) allUserGroups(ctx context.Context, userID string) ([]*directory.Group, error) {
	querySize := r.cfg.GroupQuerySize
	var groups []*directory.Group
	for page := 0; ; page++ {
		if err := r.guard.EnsureValid(ctx); err != nil {
			return nil, err
		}
		batch, err := r.client.ListUserGroups(ctx, r.cfg.Realm, userID,
			directory.Page{First: page * querySize, Max: querySize})
		if err != nil {
			return nil, err
		}
		groups = append(groups, batch...)
		if len(batch) < querySize {
			return groups, nil
		}
	}
}

// enrichGroups attaches members to every group and, under the
// recursive-listing strategy, re-attaches subgroups and resolves the
// parent name. Enrichment runs under the fetch limiter; a failed group
// fails the read, unlike page fetches.
func (r *reader) enrichGroups(ctx context.Context, groups []*directory.Group, recursive bool) error {
	errs := make([]error, len(groups))
	grp := r.limit.NewGroup()
	for i, g := range groups {
		i, g := i, g
		err := grp.Go(ctx, func(ctx context.Context) {
			errs[i] = r.enrichGroup(ctx, g, recursive)
		})
		if err != nil {
			grp.Wait()
			return err
		}
	}
	grp.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) enrichGroup(ctx context.Context, g *directory.Group, recursive bool) error {
	members, err := r.allGroupMembers(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("list members of %q: %w", g.Name, err)
	}
	g.Members = members

	if !recursive {
		return nil
	}
	if g.SubGroupCount > 0 {
		if err := r.guard.EnsureValid(ctx); err != nil {
			return err
		}
		subs, err := r.client.ListSubGroups(ctx, r.cfg.Realm, g.ID,
			directory.Page{First: 0, Max: g.SubGroupCount}, r.cfg.Brief())
		if err != nil {
			return fmt.Errorf("list subgroups of %q: %w", g.Name, err)
		}
		g.SubGroups = subs
	}
	if g.ParentID != "" {
		if err := r.guard.EnsureValid(ctx); err != nil {
			return err
		}
		parent, err := r.client.FindGroup(ctx, r.cfg.Realm, g.ParentID)
		if err != nil {
			return fmt.Errorf("find parent of %q: %w", g.Name, err)
		}
		if parent != nil {
			g.Parent = parent.Name
		}
	}
	return nil
}

// resolveGroups flattens raw groups with the strategy the server
// supports and enriches each with members, subgroups and parent, then
// parses them. Groups rejected by the transformer are dropped.
func (r *reader) resolveGroups(ctx context.Context, raw []*directory.Group) ([]*ParsedGroup, error) {
	version, err := r.serverVersion(ctx)
	if err != nil {
		return nil, err
	}
	recursive := version >= recursiveListingVersion

	var flat []*directory.Group
	if recursive {
		flat, err = r.collectGroupsRecursive(ctx, raw)
		if err != nil {
			return nil, err
		}
	} else {
		flat = flattenEmbedded(raw)
	}

	if err := r.enrichGroups(ctx, flat, recursive); err != nil {
		return nil, err
	}

	return r.parseGroups(flat)
}

// resolveGroupList enriches and parses exactly the given groups
// without descending into their subtrees. Event handlers use it so a
// delta touches only the groups named by the event.
func (r *reader) resolveGroupList(ctx context.Context, raw []*directory.Group) ([]*ParsedGroup, error) {
	version, err := r.serverVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.enrichGroups(ctx, raw, version >= recursiveListingVersion); err != nil {
		return nil, err
	}
	return r.parseGroups(raw)
}

func (r *reader) parseGroups(flat []*directory.Group) ([]*ParsedGroup, error) {
	parsed := make([]*ParsedGroup, 0, len(flat))
	for _, g := range flat {
		entity, err := ParseGroup(g, r.cfg.Realm, r.groupTransformer)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			r.log.Debug("group entity rejected by transformer",
				zap.String("group", g.Name))
			continue
		}
		parsed = append(parsed, &ParsedGroup{Group: g, Entity: entity})
	}
	return parsed, nil
}

// readRealm runs one complete snapshot read and returns the user and
// group entities, relations resolved to post-transform names.
func (r *reader) readRealm(ctx context.Context) (users, groups []*catalog.Entity, err error) {
	rawUsers, err := r.fetchUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.log.Debug("fetched users from directory", zap.Int("count", len(rawUsers)))

	topGroups, err := r.fetchTopGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.log.Debug("fetched top-level groups from directory", zap.Int("count", len(topGroups)))

	parsedGroups, err := r.resolveGroups(ctx, topGroups)
	if err != nil {
		return nil, nil, err
	}

	index := BuildGroupIndex(parsedGroups)

	parsedUsers := make([]*ParsedUser, 0, len(rawUsers))
	for _, u := range rawUsers {
		entity, err := ParseUser(u, r.cfg.Realm, parsedGroups, index, r.userTransformer)
		if err != nil {
			return nil, nil, err
		}
		if entity == nil {
			r.log.Debug("user entity rejected by transformer",
				zap.String("username", u.Username))
			continue
		}
		parsedUsers = append(parsedUsers, &ParsedUser{User: u, Entity: entity})
	}

	resolveEntityNames(parsedUsers, parsedGroups)

	users = make([]*catalog.Entity, 0, len(parsedUsers))
	for _, u := range parsedUsers {
		users = append(users, u.Entity)
	}
	groups = make([]*catalog.Entity, 0, len(parsedGroups))
	for _, g := range parsedGroups {
		groups = append(groups, g.Entity)
	}

	r.log.Info("prepared directory entities for ingestion",
		zap.Int("users", len(users)),
		zap.Int("groups", len(groups)),
	)
	return users, groups, nil
}
