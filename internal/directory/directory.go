// Package directory defines the boundary to the external identity
// directory: the record types the engine consumes and the client
// interface the adapters implement.
//
// Anti-Corruption Layer: the engine never touches a concrete admin API
// client; binding happens at the composition root.
package directory

import "context"

// User is an immutable snapshot of a directory user. Identity is ID.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Group is a directory group record. It is enriched in place while the
// hierarchy is resolved: Members, SubGroups and Parent are attached
// after creation. Conceptually a builder, not a long-lived object.
type Group struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ParentID      string   `json:"parentId,omitempty"`
	Parent        string   `json:"-"` // parent group name, resolved during traversal
	SubGroupCount int      `json:"subGroupCount"`
	SubGroups     []*Group `json:"subGroups,omitempty"`
	Members       []string `json:"-"` // usernames, attached by the member fetch
}

// GrantType selects the credential mode used against the directory's
// token endpoint.
type GrantType string

const (
	GrantPassword          GrantType = "password"
	GrantClientCredentials GrantType = "client_credentials"
)

// Credentials carries one credential mode for Authenticate.
type Credentials struct {
	GrantType    GrantType
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Page describes one slice of a paginated listing.
type Page struct {
	First int
	Max   int
}

// Client is the authenticated RPC surface of the directory service.
// All methods are network calls and honor ctx cancellation.
type Client interface {
	// Authenticate exchanges credentials for a bearer token and stores
	// it on the client. AccessToken returns the current token, empty
	// when unauthenticated.
	Authenticate(ctx context.Context, creds Credentials) error
	AccessToken() string

	// ServerVersion returns the directory server's major version.
	ServerVersion(ctx context.Context) (int, error)

	CountUsers(ctx context.Context, realm string) (int, error)
	CountGroups(ctx context.Context, realm string) (int, error)

	ListUsers(ctx context.Context, realm string, page Page, brief bool) ([]*User, error)
	ListTopGroups(ctx context.Context, realm string, page Page, brief bool) ([]*Group, error)
	ListSubGroups(ctx context.Context, realm, parentID string, page Page, brief bool) ([]*Group, error)
	ListGroupMembers(ctx context.Context, realm, groupID string, page Page) ([]*User, error)
	ListUserGroups(ctx context.Context, realm, userID string, page Page) ([]*Group, error)

	// FindUser and FindGroup return (nil, nil) when the record does not
	// exist; events may race against deletions.
	FindUser(ctx context.Context, realm, id string) (*User, error)
	FindGroup(ctx context.Context, realm, id string) (*Group, error)
}
