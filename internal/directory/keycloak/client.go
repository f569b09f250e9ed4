// Package keycloak implements directory.Client against the Keycloak
// admin REST API.
package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"keysync.io/keysync/internal/directory"
)

const defaultHTTPTimeout = 30 * time.Second

// Client talks to one Keycloak instance. Safe for concurrent use; the
// access token is guarded and shared across calls.
type Client struct {
	baseURL    string
	loginRealm string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Keycloak admin client. loginRealm is the realm tokens
// are issued against, which may differ from the realm being synced.
func New(baseURL, loginRealm string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		loginRealm: loginRealm,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.loginRealm)
}

// Authenticate exchanges credentials at the realm token endpoint and
// stores the resulting bearer token.
func (c *Client) Authenticate(ctx context.Context, creds directory.Credentials) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var (
		tok *oauth2.Token
		err error
	)
	switch creds.GrantType {
	case directory.GrantClientCredentials:
		cfg := clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     c.tokenURL(),
		}
		tok, err = cfg.Token(ctx)
	default:
		cfg := oauth2.Config{
			ClientID: creds.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: c.tokenURL()},
		}
		tok, err = cfg.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
	}
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.mu.Unlock()
	return nil
}

// AccessToken returns the currently held bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ServerVersion returns the server's major version from the serverinfo
// endpoint (e.g. 23 for "23.0.6").
func (c *Client) ServerVersion(ctx context.Context) (int, error) {
	var info struct {
		SystemInfo struct {
			Version string `json:"version"`
		} `json:"systemInfo"`
	}
	if err := c.get(ctx, "/admin/serverinfo", nil, &info); err != nil {
		return 0, err
	}
	major, _, _ := strings.Cut(info.SystemInfo.Version, ".")
	v, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("parse server version %q: %w", info.SystemInfo.Version, err)
	}
	return v, nil
}

func (c *Client) CountUsers(ctx context.Context, realm string) (int, error) {
	var count int
	if err := c.get(ctx, fmt.Sprintf("/admin/realms/%s/users/count", realm), nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) CountGroups(ctx context.Context, realm string) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, fmt.Sprintf("/admin/realms/%s/groups/count", realm), nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) ListUsers(ctx context.Context, realm string, page directory.Page, brief bool) ([]*directory.User, error) {
	q := pageQuery(page)
	q.Set("briefRepresentation", strconv.FormatBool(brief))
	var users []*directory.User
	if err := c.get(ctx, fmt.Sprintf("/admin/realms/%s/users", realm), q, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) ListTopGroups(ctx context.Context, realm string, page directory.Page, brief bool) ([]*directory.Group, error) {
	q := pageQuery(page)
	q.Set("briefRepresentation", strconv.FormatBool(brief))
	var groups []*directory.Group
	if err := c.get(ctx, fmt.Sprintf("/admin/realms/%s/groups", realm), q, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) ListSubGroups(ctx context.Context, realm, parentID string, page directory.Page, brief bool) ([]*directory.Group, error) {
	q := pageQuery(page)
	q.Set("briefRepresentation", strconv.FormatBool(brief))
	var groups []*directory.Group
	path := fmt.Sprintf("/admin/realms/%s/groups/%s/children", realm, url.PathEscape(parentID))
	if err := c.get(ctx, path, q, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) ListGroupMembers(ctx context.Context, realm, groupID string, page directory.Page) ([]*directory.User, error) {
	var members []*directory.User
	path := fmt.Sprintf("/admin/realms/%s/groups/%s/members", realm, url.PathEscape(groupID))
	if err := c.get(ctx, path, pageQuery(page), &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) ListUserGroups(ctx context.Context, realm, userID string, page directory.Page) ([]*directory.Group, error) {
	var groups []*directory.Group
	path := fmt.Sprintf("/admin/realms/%s/users/%s/groups", realm, url.PathEscape(userID))
	if err := c.get(ctx, path, pageQuery(page), &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) FindUser(ctx context.Context, realm, id string) (*directory.User, error) {
	var user directory.User
	path := fmt.Sprintf("/admin/realms/%s/users/%s", realm, url.PathEscape(id))
	found, err := c.find(ctx, path, &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

func (c *Client) FindGroup(ctx context.Context, realm, id string) (*directory.Group, error) {
	var group directory.Group
	path := fmt.Sprintf("/admin/realms/%s/groups/%s", realm, url.PathEscape(id))
	found, err := c.find(ctx, path, &group)
	if err != nil || !found {
		return nil, err
	}
	return &group, nil
}

func pageQuery(page directory.Page) url.Values {
	q := url.Values{}
	q.Set("first", strconv.Itoa(page.First))
	q.Set("max", strconv.Itoa(page.Max))
	return q
}

// get issues an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, _, err := c.do(ctx, path, query)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// find is get with 404 mapped to (false, nil).
func (c *Client) find(ctx context.Context, path string, out interface{}) (bool, error) {
	body, status, err := c.do(ctx, path, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) (io.ReadCloser, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, resp.StatusCode, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return resp.Body, resp.StatusCode, nil
}
