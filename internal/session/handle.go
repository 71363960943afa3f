package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/browserless"
	"github.com/lucasdmn/instagram-scraper/internal/database"
)

// sessionCookieName is the auth cookie Instagram issues on login. Its
// presence and expiry decide optimistic validation.
const sessionCookieName = "sessionid"

type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

type storageState struct {
	Cookies []storedCookie    `json:"cookies"`
	Origins []json.RawMessage `json:"origins,omitempty"`
}

// Handle is an acquired session: the stored credential bundle plus the
// endpoint for reattaching to a still-live browser.
type Handle struct {
	ID           string
	Username     string
	ReconnectURL string

	raw   json.RawMessage
	state storageState
}

// NewHandle builds a handle from a raw credential bundle.
func NewHandle(id, username string, storageState json.RawMessage, reconnectURL string) (*Handle, error) {
	h := &Handle{
		ID:           id,
		Username:     username,
		ReconnectURL: reconnectURL,
	}
	if err := h.replaceState(storageState); err != nil {
		return nil, err
	}
	return h, nil
}

func newHandle(row *database.SessionRow) (*Handle, error) {
	h := &Handle{
		ID:       row.ID,
		Username: row.Username,
		raw:      row.StorageState,
	}
	if row.ReconnectURL != nil {
		h.ReconnectURL = *row.ReconnectURL
	}
	if err := json.Unmarshal(row.StorageState, &h.state); err != nil {
		return nil, fmt.Errorf("parse storage state: %w", err)
	}
	return h, nil
}

// StorageStateJSON returns the raw credential bundle for handing to the
// agent runner.
func (h *Handle) StorageStateJSON() json.RawMessage {
	return h.raw
}

// Cookies converts the bundle's cookies for render requests.
func (h *Handle) Cookies() []browserless.Cookie {
	out := make([]browserless.Cookie, 0, len(h.state.Cookies))
	for _, c := range h.state.Cookies {
		out = append(out, browserless.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}

// HasLiveAuthCookie reports whether the bundle carries a non-empty auth
// cookie that has not expired. Expires of zero or below means the
// cookie has no recorded expiry and is trusted.
func (h *Handle) HasLiveAuthCookie(now time.Time) bool {
	for _, c := range h.state.Cookies {
		if c.Name != sessionCookieName || c.Value == "" {
			continue
		}
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			return false
		}
		return true
	}
	return false
}

func (h *Handle) replaceState(raw json.RawMessage) error {
	var state storageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parse storage state: %w", err)
	}
	h.raw = raw
	h.state = state
	return nil
}
