package engine

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/directory"
)

// Directory admin event types handled by the reconciler.
const (
	EventUserCreate       = "admin.USER-CREATE"
	EventUserDelete       = "admin.USER-DELETE"
	EventUserUpdate       = "admin.USER-UPDATE"
	EventMembershipCreate = "admin.GROUP_MEMBERSHIP-CREATE"
	EventMembershipDelete = "admin.GROUP_MEMBERSHIP-DELETE"
	EventGroupCreate      = "admin.GROUP-CREATE"
	EventGroupUpdate      = "admin.GROUP-UPDATE"
	EventGroupDelete      = "admin.GROUP-DELETE"
)

// HandleEvent reconciles one directory change event against the
// catalog with a minimal add/remove delta. Handlers look up current
// directory and catalog state instead of trusting event order, so
// out-of-order delivery degrades to a dropped event, never to a
// corrupted catalog. A missing record after fetch drops the event; the
// periodic full sync is authoritative and self-healing.
func (p *Provider) HandleEvent(ctx context.Context, ev Event) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	log := p.log.With(zap.String("event_type", ev.Type))
	log.Info("received directory event", zap.String("resource_path", ev.ResourcePath))

	if err := p.guard.Authenticate(ctx); err != nil {
		return err
	}

	switch ev.Type {
	case EventUserCreate, EventUserDelete, EventUserUpdate:
		return p.onUserEvent(ctx, conn, ev, log)
	case EventMembershipCreate, EventMembershipDelete:
		return p.onMembershipChange(ctx, conn, ev, log)
	case EventGroupCreate, EventGroupUpdate, EventGroupDelete:
		return p.onGroupEvent(ctx, conn, ev, log)
	default:
		log.Debug("ignoring unrecognized directory event type")
		return nil
	}
}

func (p *Provider) onUserEvent(ctx context.Context, conn catalog.Connection, ev Event, log *zap.Logger) error {
	parts := strings.Split(ev.ResourcePath, "/")
	if len(parts) < 2 {
		log.Debug("malformed user event resource path", zap.String("resource_path", ev.ResourcePath))
		return nil
	}
	userID := parts[1]

	var err error
	switch ev.Type {
	case EventUserCreate:
		err = p.handleUserCreate(ctx, conn, userID, log)
	case EventUserDelete:
		err = p.handleUserDelete(ctx, conn, userID, log)
	case EventUserUpdate:
		err = p.handleUserUpdate(ctx, conn, userID, log)
	}
	if err != nil {
		return err
	}
	log.Info("processed directory user event", zap.String("user_id", userID))
	return nil
}

// handleUserCreate adds the new user with no memberships; membership
// events arrive separately.
func (p *Provider) handleUserCreate(ctx context.Context, conn catalog.Connection, userID string, log *zap.Logger) error {
	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	user, err := p.client.FindUser(ctx, p.cfg.Realm, userID)
	if err != nil {
		return err
	}
	if user == nil {
		log.Debug("user not found after create event", zap.String("user_id", userID))
		return nil
	}

	ut, _ := p.transformers()
	entity, err := ParseUser(user, p.cfg.Realm, nil, NewGroupIndex(), ut)
	if err != nil {
		return err
	}
	if entity == nil {
		log.Debug("user entity rejected by transformer", zap.String("user_id", userID))
		return nil
	}

	return conn.ApplyMutation(ctx, catalog.Mutation{
		Type:  catalog.MutationDelta,
		Added: p.envelopes([]*catalog.Entity{entity}),
	})
}

// handleUserDelete removes the catalog entity matched by directory id.
// No directory fetch is needed; the record is already gone.
func (p *Provider) handleUserDelete(ctx context.Context, conn catalog.Connection, userID string, log *zap.Logger) error {
	entity, err := p.findUserEntity(ctx, userID)
	if err != nil {
		return err
	}
	if entity == nil {
		log.Debug("no catalog entity for deleted user", zap.String("user_id", userID))
		return nil
	}
	return conn.ApplyMutation(ctx, catalog.Mutation{
		Type:    catalog.MutationDelta,
		Removed: p.envelopes([]*catalog.Entity{entity}),
	})
}

// handleUserUpdate re-derives the user's groups from its existing
// memberOf relations, dropping groups that no longer resolve, and
// replaces the old entity with a freshly built one.
func (p *Provider) handleUserUpdate(ctx context.Context, conn catalog.Connection, userID string, log *zap.Logger) error {
	oldEntity, err := p.findUserEntity(ctx, userID)
	if err != nil {
		return err
	}
	if oldEntity == nil {
		log.Debug("no catalog entity for updated user", zap.String("user_id", userID))
		return nil
	}

	var liveGroups []*directory.Group
	for _, ref := range oldEntity.RelationRefs(catalog.RelationMemberOf) {
		groupEntity, err := p.api.GetEntityByRef(ctx, ref)
		if err != nil {
			return err
		}
		if groupEntity == nil {
			continue
		}
		id := groupEntity.Annotation(AnnotationDirectoryID)
		if id == "" {
			continue
		}
		if err := p.guard.EnsureValid(ctx); err != nil {
			return err
		}
		g, err := p.client.FindGroup(ctx, p.cfg.Realm, id)
		if err != nil {
			return err
		}
		if g != nil {
			liveGroups = append(liveGroups, g)
		}
	}

	r := p.newReader(log, "")
	parsedGroups, err := r.resolveGroupList(ctx, liveGroups)
	if err != nil {
		return err
	}

	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	newUser, err := p.client.FindUser(ctx, p.cfg.Realm, userID)
	if err != nil {
		return err
	}
	if newUser == nil {
		log.Debug("user not found after update event", zap.String("user_id", userID))
		return nil
	}

	index := NewGroupIndex()
	for _, g := range parsedGroups {
		index.Add(newUser.Username, g.Entity.Metadata.Name)
	}
	ut, _ := p.transformers()
	newEntity, err := ParseUser(newUser, p.cfg.Realm, parsedGroups, index, ut)
	if err != nil {
		return err
	}
	if newEntity == nil {
		log.Debug("user entity rejected by transformer", zap.String("user_id", userID))
		return nil
	}

	return conn.ApplyMutation(ctx, catalog.Mutation{
		Type:    catalog.MutationDelta,
		Added:   p.envelopes([]*catalog.Entity{newEntity}),
		Removed: p.envelopes([]*catalog.Entity{oldEntity}),
	})
}

// onMembershipChange rebuilds the affected user from the old entity's
// membership list with the changed group added or removed.
func (p *Provider) onMembershipChange(ctx context.Context, conn catalog.Connection, ev Event, log *zap.Logger) error {
	parts := strings.Split(ev.ResourcePath, "/")
	if len(parts) < 4 {
		log.Debug("malformed membership event resource path", zap.String("resource_path", ev.ResourcePath))
		return nil
	}
	userID, groupID := parts[1], parts[3]

	oldUserEntity, err := p.findUserEntity(ctx, userID)
	if err != nil {
		return err
	}
	if oldUserEntity == nil {
		log.Debug("no catalog entity for membership change", zap.String("user_id", userID))
		return nil
	}

	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	newUser, err := p.client.FindUser(ctx, p.cfg.Realm, userID)
	if err != nil {
		return err
	}
	if newUser == nil {
		log.Debug("user not found after membership event", zap.String("user_id", userID))
		return nil
	}

	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	group, err := p.client.FindGroup(ctx, p.cfg.Realm, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		log.Debug("group not found after membership event", zap.String("group_id", groupID))
		return nil
	}

	r := p.newReader(log, "")
	group.Members, err = r.allGroupMembers(ctx, group.ID)
	if err != nil {
		return err
	}

	_, gt := p.transformers()
	groupEntity, err := ParseGroup(group, p.cfg.Realm, gt)
	if err != nil {
		return err
	}
	if groupEntity == nil {
		log.Debug("group entity rejected by transformer", zap.String("group_id", groupID))
		return nil
	}
	parsedGroup := &ParsedGroup{Group: group, Entity: groupEntity}

	memberships := append([]string(nil), oldUserEntity.Spec.MemberOf...)
	if ev.Type == EventMembershipCreate {
		memberships = append(memberships, groupEntity.Metadata.Name)
	} else {
		memberships = remove(memberships, groupEntity.Metadata.Name)
	}

	index := NewGroupIndex()
	index.Set(newUser.Username, memberships)
	ut, _ := p.transformers()
	newUserEntity, err := ParseUser(newUser, p.cfg.Realm, []*ParsedGroup{parsedGroup}, index, ut)
	if err != nil {
		return err
	}
	if newUserEntity == nil {
		log.Debug("user entity rejected by transformer", zap.String("user_id", userID))
		return nil
	}

	if err := conn.ApplyMutation(ctx, catalog.Mutation{
		Type:    catalog.MutationDelta,
		Added:   p.envelopes([]*catalog.Entity{newUserEntity}),
		Removed: p.envelopes([]*catalog.Entity{oldUserEntity}),
	}); err != nil {
		return err
	}
	log.Info("processed directory membership change",
		zap.String("user_id", userID),
		zap.String("group_id", groupID),
	)
	return nil
}

func (p *Provider) onGroupEvent(ctx context.Context, conn catalog.Connection, ev Event, log *zap.Logger) error {
	parts := strings.Split(ev.ResourcePath, "/")
	switch ev.Type {
	case EventGroupCreate:
		return p.handleGroupCreate(ctx, conn, parts, ev, log)
	case EventGroupDelete:
		if len(parts) < 2 {
			log.Debug("malformed group event resource path", zap.String("resource_path", ev.ResourcePath))
			return nil
		}
		return p.handleGroupDelete(ctx, conn, parts[1], log)
	default:
		// Renames and attribute updates are picked up by the periodic
		// full sync.
		return nil
	}
}

func (p *Provider) handleGroupCreate(ctx context.Context, conn catalog.Connection, parts []string, ev Event, log *zap.Logger) error {
	switch len(parts) {
	case 2:
		return p.handleTopGroupCreate(ctx, conn, parts[1], log)
	case 3:
		var rep struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(ev.Representation), &rep); err != nil || rep.ID == "" {
			log.Debug("subgroup create event carries no usable representation", zap.Error(err))
			return nil
		}
		return p.handleSubGroupCreate(ctx, conn, parts[1], rep.ID, log)
	default:
		log.Debug("malformed group create resource path", zap.String("resource_path", ev.ResourcePath))
		return nil
	}
}

func (p *Provider) handleTopGroupCreate(ctx context.Context, conn catalog.Connection, groupID string, log *zap.Logger) error {
	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	group, err := p.client.FindGroup(ctx, p.cfg.Realm, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		log.Debug("group not found after create event", zap.String("group_id", groupID))
		return nil
	}

	_, gt := p.transformers()
	entity, err := ParseGroup(group, p.cfg.Realm, gt)
	if err != nil {
		return err
	}
	if entity == nil {
		log.Debug("group entity rejected by transformer", zap.String("group_id", groupID))
		return nil
	}

	if err := conn.ApplyMutation(ctx, catalog.Mutation{
		Type:  catalog.MutationDelta,
		Added: p.envelopes([]*catalog.Entity{entity}),
	}); err != nil {
		return err
	}
	log.Info("processed top-level group create", zap.String("group_id", groupID))
	return nil
}

// handleSubGroupCreate adds the subgroup and the refreshed parent, and
// removes the parent's stale entity whose children list predates the
// subgroup.
func (p *Provider) handleSubGroupCreate(ctx context.Context, conn catalog.Connection, parentID, subgroupID string, log *zap.Logger) error {
	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	parent, err := p.client.FindGroup(ctx, p.cfg.Realm, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		log.Debug("parent group not found after subgroup create", zap.String("group_id", parentID))
		return nil
	}

	if err := p.guard.EnsureValid(ctx); err != nil {
		return err
	}
	subgroup, err := p.client.FindGroup(ctx, p.cfg.Realm, subgroupID)
	if err != nil {
		return err
	}
	if subgroup == nil {
		log.Debug("subgroup not found after subgroup create", zap.String("group_id", subgroupID))
		return nil
	}

	oldParentEntity, err := p.findGroupEntity(ctx, parentID)
	if err != nil {
		return err
	}
	if oldParentEntity == nil {
		log.Debug("no catalog entity for parent group", zap.String("group_id", parentID))
		return nil
	}

	r := p.newReader(log, "")
	parsed, err := r.resolveGroupList(ctx, []*directory.Group{subgroup, parent})
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		log.Debug("no group entities survived parsing after subgroup create",
			zap.String("parent_id", parentID),
			zap.String("subgroup_id", subgroupID),
		)
		return nil
	}

	added := make([]*catalog.Entity, 0, len(parsed))
	for _, g := range parsed {
		added = append(added, g.Entity)
	}
	if err := conn.ApplyMutation(ctx, catalog.Mutation{
		Type:    catalog.MutationDelta,
		Added:   p.envelopes(added),
		Removed: p.envelopes([]*catalog.Entity{oldParentEntity}),
	}); err != nil {
		return err
	}
	log.Info("processed subgroup create",
		zap.String("parent_id", parentID),
		zap.String("subgroup_id", subgroupID),
	)
	return nil
}

// handleGroupDelete cascades: the deleted group, its subgroups and its
// stale parent entity are removed; every transitively contained member
// has its memberships recomputed from the live directory and is
// replaced with an add/remove pair.
func (p *Provider) handleGroupDelete(ctx context.Context, conn catalog.Connection, groupID string, log *zap.Logger) error {
	deletedGroup, err := p.findGroupEntity(ctx, groupID)
	if err != nil {
		return err
	}
	if deletedGroup == nil {
		log.Debug("no catalog entity for deleted group", zap.String("group_id", groupID))
		return nil
	}

	var oldParent *catalog.Entity
	if refs := deletedGroup.RelationRefs(catalog.RelationChildOf); len(refs) > 0 {
		oldParent, err = p.api.GetEntityByRef(ctx, refs[0])
		if err != nil {
			return err
		}
	}

	var subEntities []*catalog.Entity
	for _, ref := range deletedGroup.RelationRefs(catalog.RelationParentOf) {
		sub, err := p.api.GetEntityByRef(ctx, ref)
		if err != nil {
			return err
		}
		if sub != nil {
			subEntities = append(subEntities, sub)
		}
	}

	r := p.newReader(log, "")

	var newParentEntity *catalog.Entity
	if oldParent != nil {
		if id := oldParent.Annotation(AnnotationDirectoryID); id != "" {
			if err := p.guard.EnsureValid(ctx); err != nil {
				return err
			}
			parent, err := p.client.FindGroup(ctx, p.cfg.Realm, id)
			if err != nil {
				return err
			}
			if parent != nil {
				parsed, err := r.resolveGroupList(ctx, []*directory.Group{parent})
				if err != nil {
					return err
				}
				if len(parsed) > 0 {
					newParentEntity = parsed[0].Entity
				}
			}
		}
	}

	memberRefs := affectedMemberRefs(deletedGroup, subEntities)
	oldUsers, newUsers, err := p.rebuildUsersAfterGroupDelete(ctx, r, memberRefs, log)
	if err != nil {
		return err
	}

	var added []*catalog.Entity
	if newParentEntity != nil {
		added = append(added, newParentEntity)
	}
	added = append(added, newUsers...)

	removed := []*catalog.Entity{deletedGroup}
	if oldParent != nil {
		removed = append(removed, oldParent)
	}
	removed = append(removed, subEntities...)
	removed = append(removed, oldUsers...)

	if err := conn.ApplyMutation(ctx, catalog.Mutation{
		Type:    catalog.MutationDelta,
		Added:   p.envelopes(added),
		Removed: p.envelopes(removed),
	}); err != nil {
		return err
	}
	log.Info("processed group delete cascade",
		zap.String("group_id", groupID),
		zap.Int("subgroups", len(subEntities)),
		zap.Int("affected_users", len(oldUsers)),
	)
	return nil
}

// affectedMemberRefs collects, in first-seen order, every user that was
// a direct member of the deleted group or of any of its subgroups.
func affectedMemberRefs(deletedGroup *catalog.Entity, subgroups []*catalog.Entity) []string {
	var refs []string
	seen := make(map[string]struct{})
	add := func(ref string) {
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, ref := range deletedGroup.RelationRefs(catalog.RelationHasMember) {
		add(ref)
	}
	for _, sub := range subgroups {
		for _, ref := range sub.RelationRefs(catalog.RelationHasMember) {
			add(ref)
		}
	}
	return refs
}

// rebuildUsersAfterGroupDelete recomputes each affected user's
// memberships from the live directory. The rebuilt entity keeps raw
// directory group names in memberOf; unlike the full sync it skips the
// post-transform name-resolution pass, and the next full sync heals
// any rename drift.
func (p *Provider) rebuildUsersAfterGroupDelete(ctx context.Context, r *reader, memberRefs []string, log *zap.Logger) (oldUsers, newUsers []*catalog.Entity, err error) {
	ut, _ := p.transformers()
	for _, ref := range memberRefs {
		userEntity, err := p.api.GetEntityByRef(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		if userEntity == nil {
			continue
		}
		id := userEntity.Annotation(AnnotationDirectoryID)
		if id == "" {
			continue
		}
		oldUsers = append(oldUsers, userEntity)

		if err := p.guard.EnsureValid(ctx); err != nil {
			return nil, nil, err
		}
		user, err := p.client.FindUser(ctx, p.cfg.Realm, id)
		if err != nil {
			return nil, nil, err
		}
		if user == nil {
			// Deleted in the directory as well; removal is enough.
			continue
		}

		allGroups, err := r.allUserGroups(ctx, user.ID)
		if err != nil {
			return nil, nil, err
		}
		parsedGroups, err := r.resolveGroupList(ctx, allGroups)
		if err != nil {
			return nil, nil, err
		}

		memberOf := make([]string, 0, len(allGroups))
		for _, g := range allGroups {
			if g.Name != "" {
				memberOf = append(memberOf, g.Name)
			}
		}
		entity := &catalog.Entity{
			APIVersion: catalog.APIVersion,
			Kind:       catalog.KindUser,
			Metadata: catalog.Metadata{
				Name: user.Username,
				Annotations: map[string]string{
					AnnotationDirectoryID: user.ID,
					AnnotationRealm:       p.cfg.Realm,
				},
			},
			Spec: catalog.Spec{
				Profile: catalog.Profile{
					Email:       user.Email,
					DisplayName: displayName(user),
				},
				MemberOf: memberOf,
			},
		}
		transformer := ut
		if transformer == nil {
			transformer = NoopUserTransformer
		}
		out, err := transformer(entity, user, p.cfg.Realm, parsedGroups)
		if err != nil {
			return nil, nil, err
		}
		if out == nil || out.Annotation(AnnotationDirectoryID) == "" {
			log.Debug("rebuilt user entity rejected by transformer",
				zap.String("username", user.Username))
			continue
		}
		newUsers = append(newUsers, out)
	}
	return oldUsers, newUsers, nil
}

// findUserEntity looks up the catalog user owned by this provider with
// the given directory id.
func (p *Provider) findUserEntity(ctx context.Context, directoryID string) (*catalog.Entity, error) {
	return p.findEntity(ctx, catalog.KindUser, directoryID)
}

func (p *Provider) findGroupEntity(ctx context.Context, directoryID string) (*catalog.Entity, error) {
	return p.findEntity(ctx, catalog.KindGroup, directoryID)
}

func (p *Provider) findEntity(ctx context.Context, kind, directoryID string) (*catalog.Entity, error) {
	entities, err := p.api.GetEntities(ctx, catalog.EntityFilter{
		Kind:        kind,
		Annotations: map[string]string{AnnotationDirectoryID: directoryID},
	})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
