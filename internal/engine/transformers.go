package engine

import (
	"regexp"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/directory"
)

// UserTransformer customizes a user entity before it is emitted.
// Returning (nil, nil) rejects the entity: it is dropped and logged,
// never emitted. groups carries every group that survived parsing.
type UserTransformer func(entity *catalog.Entity, user *directory.User, realm string, groups []*ParsedGroup) (*catalog.Entity, error)

// GroupTransformer customizes a group entity before it is emitted.
// Rejection semantics match UserTransformer.
type GroupTransformer func(entity *catalog.Entity, group *directory.Group, realm string) (*catalog.Entity, error)

// NoopUserTransformer returns the entity unchanged.
func NoopUserTransformer(entity *catalog.Entity, _ *directory.User, _ string, _ []*ParsedGroup) (*catalog.Entity, error) {
	return entity, nil
}

// NoopGroupTransformer returns the entity unchanged.
func NoopGroupTransformer(entity *catalog.Entity, _ *directory.Group, _ string) (*catalog.Entity, error) {
	return entity, nil
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeEmailTransformer replaces every character of the entity name
// that is not alphanumeric with "-", for directories whose usernames
// are email addresses.
func SanitizeEmailTransformer(entity *catalog.Entity, _ *directory.User, _ string, _ []*ParsedGroup) (*catalog.Entity, error) {
	entity.Metadata.Name = nonAlphanumeric.ReplaceAllString(entity.Metadata.Name, "-")
	return entity, nil
}
