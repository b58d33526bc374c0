// Package remote is a thin typed facade over the ejabberd HTTP admin API.
//
// Every operation POSTs a JSON payload to {adminAPIURL}/<endpoint>; a 200
// response is success, anything else becomes an *APIError carrying the
// endpoint, status, and response body. The client is stateless and safe for
// concurrent use.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Config holds the connection settings for the admin API.
type Config struct {
	// AdminAPIURL is the base URL of the ejabberd admin API,
	// e.g. "https://xmpp.example.org:5443/api".
	AdminAPIURL string

	// XMPPDomain is the virtual host every user lives under.
	XMPPDomain string

	// MUCService is the conference service, e.g. "conference.example.org".
	MUCService string

	// Timeout bounds each request. Defaults to 15s when zero.
	Timeout time.Duration
}

// APIError is a non-200 response from the admin API.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ejabberd api %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client calls the ejabberd admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client. The trailing slash on AdminAPIURL is optional.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.AdminAPIURL = strings.TrimRight(cfg.AdminAPIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Domain returns the configured XMPP domain.
func (c *Client) Domain() string { return c.cfg.XMPPDomain }

// MUCService returns the configured conference service.
func (c *Client) MUCService() string { return c.cfg.MUCService }

// --- users ---

// Register creates a user on the configured domain.
func (c *Client) Register(ctx context.Context, user, password string) error {
	return c.post(ctx, "register", map[string]string{
		"user": user, "host": c.cfg.XMPPDomain, "password": password,
	}, nil)
}

// ChangePassword sets a new password for an existing user.
func (c *Client) ChangePassword(ctx context.Context, user, newPassword string) error {
	return c.post(ctx, "change_password", map[string]string{
		"user": user, "host": c.cfg.XMPPDomain, "newpass": newPassword,
	}, nil)
}

// Unregister deletes a user.
func (c *Client) Unregister(ctx context.Context, user string) error {
	return c.post(ctx, "unregister", map[string]string{
		"user": user, "host": c.cfg.XMPPDomain,
	}, nil)
}

// RegisteredUsers lists the user names registered on the domain.
func (c *Client) RegisteredUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := c.post(ctx, "registered_users", map[string]string{
		"host": c.cfg.XMPPDomain,
	}, &users)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// --- rooms ---

// RoomOption is a single MUC room option as the API represents it.
type RoomOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateRoom creates a room with server-default options.
func (c *Client) CreateRoom(ctx context.Context, name string) error {
	return c.post(ctx, "create_room", map[string]string{
		"name": name, "service": c.cfg.MUCService, "host": c.cfg.XMPPDomain,
	}, nil)
}

// CreateRoomWithOpts creates a room with explicit options. Option order is
// not significant to the server; the map form keeps call sites readable.
func (c *Client) CreateRoomWithOpts(ctx context.Context, name string, opts map[string]string) error {
	options := make([]RoomOption, 0, len(opts))
	for _, k := range sortedKeys(opts) {
		options = append(options, RoomOption{Name: k, Value: opts[k]})
	}
	return c.post(ctx, "create_room_with_opts", map[string]any{
		"name": name, "service": c.cfg.MUCService, "host": c.cfg.XMPPDomain,
		"options": options,
	}, nil)
}

// DestroyRoom removes a room from the conference service.
func (c *Client) DestroyRoom(ctx context.Context, name string) error {
	return c.post(ctx, "destroy_room", map[string]string{
		"name": name, "service": c.cfg.MUCService,
	}, nil)
}

// MUCOnlineRooms lists the rooms currently alive on the conference service.
func (c *Client) MUCOnlineRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := c.post(ctx, "muc_online_rooms", map[string]string{
		"service": c.cfg.MUCService,
	}, &rooms)
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// GetRoomOptions returns the room's current option map.
func (c *Client) GetRoomOptions(ctx context.Context, name string) (map[string]string, error) {
	var options []RoomOption
	err := c.post(ctx, "get_room_options", map[string]string{
		"name": name, "service": c.cfg.MUCService,
	}, &options)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(options))
	for _, o := range options {
		out[o.Name] = o.Value
	}
	return out, nil
}

// RoomAffiliation is one entry of a room's affiliation list.
type RoomAffiliation struct {
	JID         string
	Affiliation string
}

// affiliationRow matches the wire shape of get_room_affiliations.
type affiliationRow struct {
	Username    string `json:"username"`
	Domain      string `json:"domain"`
	Affiliation string `json:"affiliation"`
	Reason      string `json:"reason"`
}

// GetRoomAffiliations returns the persistent affiliations of a room as
// bare-JID/affiliation pairs.
func (c *Client) GetRoomAffiliations(ctx context.Context, name string) ([]RoomAffiliation, error) {
	var rows []affiliationRow
	err := c.post(ctx, "get_room_affiliations", map[string]string{
		"name": name, "service": c.cfg.MUCService,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]RoomAffiliation, 0, len(rows))
	for _, r := range rows {
		out = append(out, RoomAffiliation{
			JID:         r.Username + "@" + r.Domain,
			Affiliation: r.Affiliation,
		})
	}
	return out, nil
}

// SetRoomAffiliation sets the persistent affiliation of user@host in a room.
// Affiliation "none" removes the entry.
func (c *Client) SetRoomAffiliation(ctx context.Context, room, user, host, affiliation string) error {
	return c.post(ctx, "set_room_affiliation", map[string]string{
		"name": room, "service": c.cfg.MUCService,
		"jid": user + "@" + host, "affiliation": affiliation,
	}, nil)
}

// --- rosters ---

// RosterItem is one entry of a user's roster.
type RosterItem struct {
	JID          string   `json:"jid"`
	Nick         string   `json:"nick"`
	Subscription string   `json:"subscription"`
	Ask          string   `json:"ask"`
	Groups       []string `json:"groups"`
}

// GetRoster returns the roster of a local user.
func (c *Client) GetRoster(ctx context.Context, user string) ([]RosterItem, error) {
	var items []RosterItem
	err := c.post(ctx, "get_roster", map[string]string{
		"user": user, "server": c.cfg.XMPPDomain,
	}, &items)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AddRosterItem creates or replaces a roster entry of localUser for
// user@host. Every write triggers a presence push to the local user, so
// callers must diff before calling.
func (c *Client) AddRosterItem(ctx context.Context, localUser, localHost, user, host, nick string, groups []string, subscription string) error {
	if groups == nil {
		groups = []string{}
	}
	return c.post(ctx, "add_rosteritem", map[string]any{
		"localuser": localUser, "localhost": localHost,
		"user": user, "host": host,
		"nick": nick, "groups": groups, "subs": subscription,
	}, nil)
}

// DeleteRosterItem removes the entry for user@host from localUser's roster.
func (c *Client) DeleteRosterItem(ctx context.Context, localUser, localHost, user, host string) error {
	return c.post(ctx, "delete_rosteritem", map[string]string{
		"localuser": localUser, "localhost": localHost,
		"user": user, "host": host,
	}, nil)
}

// --- private storage (bookmarks) ---

// GetUserBookmarks fetches and parses the user's XEP-0048 bookmark storage.
// A user with no stored bookmarks yields an empty slice.
func (c *Client) GetUserBookmarks(ctx context.Context, user string) ([]Bookmark, error) {
	var payload string
	err := c.post(ctx, "private_get", map[string]string{
		"user": user, "host": c.cfg.XMPPDomain,
		"element": "storage", "ns": bookmarksNS,
	}, &payload)
	if err != nil {
		return nil, err
	}
	return parseBookmarks(payload)
}

// SetUserBookmarks overwrites the user's bookmark storage with the given set.
func (c *Client) SetUserBookmarks(ctx context.Context, user string, bookmarks []Bookmark) error {
	payload, err := marshalBookmarks(bookmarks)
	if err != nil {
		return err
	}
	return c.post(ctx, "private_set", map[string]string{
		"user": user, "host": c.cfg.XMPPDomain, "element": payload,
	}, nil)
}

// --- internals ---

// post sends a JSON payload to the named endpoint. When out is non-nil the
// response body is decoded into it; a body that is not valid JSON for out is
// an error even on status 200.
func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ejabberd api %s: encode payload: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AdminAPIURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ejabberd api %s: build request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ejabberd api %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ejabberd api %s: read response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("ejabberd api %s: decode response: %w", endpoint, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Map iteration order is random; sorted options keep request bodies
	// reproducible for tests and logs.
	sort.Strings(keys)
	return keys
}
