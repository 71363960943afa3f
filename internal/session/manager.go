package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/browserless"
	"github.com/lucasdmn/instagram-scraper/internal/config"
	"github.com/lucasdmn/instagram-scraper/internal/database"
	"github.com/lucasdmn/instagram-scraper/internal/errclass"
)

const probeURL = "https://www.instagram.com/"

// Store is the session persistence the manager needs.
type Store interface {
	MostRecentActiveSession(ctx context.Context, username string) (*database.SessionRow, error)
	TouchSession(ctx context.Context, id string) error
	UpdateSessionState(ctx context.Context, id string, storageState json.RawMessage, reconnectURL string) error
	DeactivateSession(ctx context.Context, id string) error
	ReplaceActiveSession(ctx context.Context, username string, storageState json.RawMessage, reconnectURL string) (*database.SessionRow, error)
}

// Renderer is the render client used for strict validation probes.
type Renderer interface {
	HTML(ctx context.Context, url string, opts browserless.Options) (string, error)
}

// Live is a reattached browser the manager can re-export a credential
// bundle from.
type Live interface {
	ExportStorageState() (json.RawMessage, error)
	Close() error
}

// Options configures the manager.
type Options struct {
	Username       string
	Password       string
	ValidationMode string
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Manager hands out a working session for scrape runs. It prefers the
// stored session, validates it per the configured mode, recovers a
// rejected session over its reconnect endpoint when possible, and
// otherwise retires it and falls back to an agent-driven login.
type Manager struct {
	store    Store
	agent    agent.Runner
	renderer Renderer
	connect  func(cdpURL string) (Live, error)
	logger   *slog.Logger
	opts     Options
}

func NewManager(store Store, runner agent.Runner, renderer Renderer, opts Options, logger *slog.Logger) *Manager {
	if opts.ValidationMode == "" {
		opts.ValidationMode = config.SessionValidationOptimistic
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Manager{
		store:    store,
		agent:    runner,
		renderer: renderer,
		connect:  func(cdpURL string) (Live, error) { return Connect(cdpURL) },
		logger:   logger.With("component", "session_manager"),
		opts:     opts,
	}
}

// Acquire returns a validated session, establishing a new one when the
// stored session is missing or no longer accepted.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	row, err := m.store.MostRecentActiveSession(ctx, m.opts.Username)
	if err != nil {
		return nil, err
	}

	if row != nil {
		handle, err := newHandle(row)
		if err != nil {
			m.logger.Warn("stored session is unreadable, retiring it",
				"session_id", row.ID, "error", err)
			m.invalidate(ctx, row.ID)
		} else {
			ok, err := m.validate(ctx, handle)
			if err != nil {
				return nil, err
			}
			if ok {
				if err := m.store.TouchSession(ctx, handle.ID); err != nil {
					m.logger.Warn("failed to touch session", "session_id", handle.ID, "error", err)
				}
				m.logger.Info("reusing stored session",
					"session_id", handle.ID, "mode", m.opts.ValidationMode)
				return handle, nil
			}
			if handle.ReconnectURL != "" {
				recovered, rcErr := m.reconnect(ctx, handle)
				if rcErr == nil {
					m.logger.Info("stored session recovered over reconnect",
						"session_id", handle.ID)
					return recovered, nil
				}
				m.logger.Warn("reconnect recovery failed",
					"session_id", handle.ID, "error", rcErr)
			}
			m.logger.Info("stored session rejected, retiring it", "session_id", handle.ID)
			m.invalidate(ctx, handle.ID)
		}
	}

	return m.establish(ctx)
}

// Invalidate retires a session that failed mid-run with an auth error.
func (m *Manager) Invalidate(ctx context.Context, handle *Handle) {
	m.invalidate(ctx, handle.ID)
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if err := m.store.DeactivateSession(ctx, id); err != nil {
		m.logger.Error("failed to deactivate session", "session_id", id, "error", err)
	}
}

// Refresh reattaches to the live browser, re-exports the credential
// bundle and stores it, keeping the persisted copy current after a run.
func (m *Manager) Refresh(ctx context.Context, handle *Handle) error {
	if handle.ReconnectURL == "" {
		return fmt.Errorf("session has no reconnect endpoint")
	}
	if err := m.reexport(handle); err != nil {
		return err
	}
	if err := m.store.UpdateSessionState(ctx, handle.ID, handle.StorageStateJSON(), handle.ReconnectURL); err != nil {
		return err
	}
	m.logger.Info("session state re-exported", "session_id", handle.ID)
	return nil
}

// reconnect recovers a rejected session by reattaching to its still-live
// browser and re-exporting the credential bundle. The stored session is
// updated in place, so the same session id stays active. A logged-out
// browser cannot be recovered this way.
func (m *Manager) reconnect(ctx context.Context, handle *Handle) (*Handle, error) {
	if err := m.reexport(handle); err != nil {
		return nil, err
	}
	if !handle.HasLiveAuthCookie(time.Now()) {
		return nil, fmt.Errorf("%w: reconnected browser is logged out", errclass.ErrAuth)
	}
	if err := m.store.UpdateSessionState(ctx, handle.ID, handle.StorageStateJSON(), handle.ReconnectURL); err != nil {
		return nil, err
	}
	return handle, nil
}

// reexport reattaches over CDP and replaces the handle's in-memory
// bundle with what the live browser currently holds.
func (m *Manager) reexport(handle *Handle) error {
	live, err := m.connect(handle.ReconnectURL)
	if err != nil {
		return errclass.Classify(err)
	}
	defer live.Close()

	raw, err := live.ExportStorageState()
	if err != nil {
		return errclass.Classify(err)
	}
	return handle.replaceState(raw)
}

func (m *Manager) validate(ctx context.Context, handle *Handle) (bool, error) {
	switch m.opts.ValidationMode {
	case config.SessionValidationStrict:
		if !handle.HasLiveAuthCookie(time.Now()) {
			return false, nil
		}
		return m.probeLoggedIn(ctx, handle)
	default:
		return handle.HasLiveAuthCookie(time.Now()), nil
	}
}

// probeLoggedIn renders the home page with the session's cookies and
// checks for logged-out markers. Transient render failures propagate so
// a flaky deployment does not burn a good session.
func (m *Manager) probeLoggedIn(ctx context.Context, handle *Handle) (bool, error) {
	html, err := m.renderer.HTML(ctx, probeURL, browserless.Options{
		Cookies: handle.Cookies(),
	})
	if err != nil {
		err = errclass.Classify(err)
		if errclass.Retryable(err) {
			return false, err
		}
		return false, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, nil
	}

	if doc.Find(`form input[name="username"]`).Length() > 0 {
		return false, nil
	}
	if doc.Find(`a[href*="/accounts/login"]`).Length() > 0 {
		return false, nil
	}
	return true, nil
}

// establish logs in through the agent runner. Only transient failures
// are retried; a rejected login is a hard auth error.
func (m *Manager) establish(ctx context.Context) (*Handle, error) {
	if m.opts.Username == "" || m.opts.Password == "" {
		return nil, fmt.Errorf("%w: no stored session and no credentials configured", errclass.ErrAuth)
	}

	task := loginTask(m.opts.Username, m.opts.Password)

	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.opts.RetryBackoff * time.Duration(1<<(attempt-1))
			m.logger.Info("retrying login", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := m.agent.Run(ctx, task, nil)
		if err != nil {
			err = errclass.Classify(err)
			if errclass.Retryable(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("login: %w", err)
		}

		if !result.Succeeded {
			code := result.FailureCode()
			if code == errclass.CodeRateLimited || code == errclass.CodeProtocolError {
				lastErr = fmt.Errorf("%w: login attempt failed (%s)", errclass.ErrTransientProtocol, code)
				continue
			}
			return nil, fmt.Errorf("%w: login rejected: %s", errclass.ErrAuth, result.FinalResult)
		}

		if len(result.StorageState) == 0 {
			return nil, fmt.Errorf("%w: login produced no storage state", errclass.ErrAuth)
		}

		row, err := m.store.ReplaceActiveSession(ctx, m.opts.Username, result.StorageState, result.ReconnectURL)
		if err != nil {
			return nil, err
		}
		m.logger.Info("established new session", "session_id", row.ID)
		return newHandle(row)
	}

	return nil, fmt.Errorf("login failed after %d retries: %w", m.opts.MaxRetries, lastErr)
}

func loginTask(username, password string) string {
	return fmt.Sprintf(`Go to https://www.instagram.com/accounts/login/ and log in.
Username: %s
Password: %s
Dismiss any "save login info" or notification dialogs after logging in.
When the home feed is visible, report success.`, username, password)
}
