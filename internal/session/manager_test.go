package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/browserless"
	"github.com/lucasdmn/instagram-scraper/internal/config"
	"github.com/lucasdmn/instagram-scraper/internal/database"
	"github.com/lucasdmn/instagram-scraper/internal/errclass"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stateWithCookie(expires float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"cookies": [{"name": "sessionid", "value": "secret", "domain": ".instagram.com", "expires": %g}]}`,
		expires,
	))
}

type fakeStore struct {
	row *database.SessionRow

	touched     []string
	updated     []string
	deactivated []string
	replaced    int
	replacedErr error
}

func (f *fakeStore) MostRecentActiveSession(context.Context, string) (*database.SessionRow, error) {
	return f.row, nil
}

func (f *fakeStore) TouchSession(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) UpdateSessionState(_ context.Context, id string, _ json.RawMessage, _ string) error {
	f.updated = append(f.updated, id)
	return nil
}

func (f *fakeStore) DeactivateSession(_ context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeStore) ReplaceActiveSession(_ context.Context, username string, storageState json.RawMessage, reconnectURL string) (*database.SessionRow, error) {
	f.replaced++
	if f.replacedErr != nil {
		return nil, f.replacedErr
	}
	url := reconnectURL
	return &database.SessionRow{
		ID:           "new-session",
		Username:     username,
		StorageState: storageState,
		ReconnectURL: &url,
		IsActive:     true,
	}, nil
}

type fakeRunner struct {
	results []agent.Result
	errs    []error
	calls   int
}

func (f *fakeRunner) Run(context.Context, string, json.RawMessage) (agent.Result, error) {
	idx := f.calls
	f.calls++

	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	var result agent.Result
	if idx < len(f.results) {
		result = f.results[idx]
	}
	return result, err
}

type fakeLive struct {
	state     json.RawMessage
	exportErr error
	closed    bool
}

func (f *fakeLive) ExportStorageState() (json.RawMessage, error) {
	return f.state, f.exportErr
}

func (f *fakeLive) Close() error {
	f.closed = true
	return nil
}

type fakeRenderer struct {
	html string
	err  error
}

func (f *fakeRenderer) HTML(context.Context, string, browserless.Options) (string, error) {
	return f.html, f.err
}

func newTestManager(store *fakeStore, runner *fakeRunner, renderer *fakeRenderer, mode string) *Manager {
	manager := NewManager(store, runner, renderer, Options{
		Username:       "operator",
		Password:       "hunter2",
		ValidationMode: mode,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
	}, testLogger())
	manager.connect = func(string) (Live, error) {
		return nil, errors.New("no live browser in tests")
	}
	return manager
}

func futureExpiry() float64 {
	return float64(time.Now().Add(24 * time.Hour).Unix())
}

func pastExpiry() float64 {
	return float64(time.Now().Add(-24 * time.Hour).Unix())
}

func TestHandleHasLiveAuthCookie(t *testing.T) {
	now := time.Now()

	t.Run("Live cookie", func(t *testing.T) {
		h, err := NewHandle("s1", "operator", stateWithCookie(futureExpiry()), "")
		require.NoError(t, err)
		assert.True(t, h.HasLiveAuthCookie(now))
	})

	t.Run("Expired cookie", func(t *testing.T) {
		h, err := NewHandle("s1", "operator", stateWithCookie(pastExpiry()), "")
		require.NoError(t, err)
		assert.False(t, h.HasLiveAuthCookie(now))
	})

	t.Run("Cookie without expiry is trusted", func(t *testing.T) {
		h, err := NewHandle("s1", "operator", stateWithCookie(0), "")
		require.NoError(t, err)
		assert.True(t, h.HasLiveAuthCookie(now))
	})

	t.Run("No auth cookie", func(t *testing.T) {
		h, err := NewHandle("s1", "operator", json.RawMessage(`{"cookies": [{"name": "csrftoken", "value": "x"}]}`), "")
		require.NoError(t, err)
		assert.False(t, h.HasLiveAuthCookie(now))
	})

	t.Run("Empty cookie value", func(t *testing.T) {
		h, err := NewHandle("s1", "operator", json.RawMessage(`{"cookies": [{"name": "sessionid", "value": ""}]}`), "")
		require.NoError(t, err)
		assert.False(t, h.HasLiveAuthCookie(now))
	})
}

func TestAcquireReusesStoredSession(t *testing.T) {
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: stateWithCookie(futureExpiry()),
		IsActive:     true,
	}}
	runner := &fakeRunner{}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "stored", handle.ID)
	assert.Equal(t, []string{"stored"}, store.touched)
	assert.Equal(t, 0, runner.calls, "a valid stored session never triggers a login")
}

func TestAcquireRetiresExpiredSessionAndLogsIn(t *testing.T) {
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: stateWithCookie(pastExpiry()),
		IsActive:     true,
	}}
	runner := &fakeRunner{results: []agent.Result{{
		Succeeded:    true,
		Done:         true,
		StorageState: stateWithCookie(futureExpiry()),
		ReconnectURL: "ws://browserless:3000/reconnect/abc",
	}}}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, store.deactivated)
	assert.Equal(t, 1, store.replaced)
	assert.Equal(t, "new-session", handle.ID)
	assert.Equal(t, "ws://browserless:3000/reconnect/abc", handle.ReconnectURL)
}

func TestAcquireRetiresUnreadableSession(t *testing.T) {
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: json.RawMessage(`not json`),
		IsActive:     true,
	}}
	runner := &fakeRunner{results: []agent.Result{{
		Succeeded:    true,
		Done:         true,
		StorageState: stateWithCookie(futureExpiry()),
	}}}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, store.deactivated)
	assert.Equal(t, "new-session", handle.ID)
}

func TestAcquireRecoversRejectedSessionOverReconnect(t *testing.T) {
	reconnectURL := "ws://browserless:3000/reconnect/abc"
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: stateWithCookie(pastExpiry()),
		ReconnectURL: &reconnectURL,
		IsActive:     true,
	}}
	runner := &fakeRunner{}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	live := &fakeLive{state: stateWithCookie(futureExpiry())}
	var gotURL string
	manager.connect = func(url string) (Live, error) {
		gotURL = url
		return live, nil
	}

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "stored", handle.ID, "recovery keeps the stored session")
	assert.Equal(t, reconnectURL, gotURL)
	assert.True(t, handle.HasLiveAuthCookie(time.Now()), "handle carries the re-exported bundle")
	assert.Equal(t, []string{"stored"}, store.updated)
	assert.Empty(t, store.deactivated)
	assert.Equal(t, 0, store.replaced)
	assert.Equal(t, 0, runner.calls, "recovery must not trigger a login")
	assert.True(t, live.closed)
}

func TestAcquireFallsBackToLoginWhenReconnectFails(t *testing.T) {
	reconnectURL := "ws://browserless:3000/reconnect/abc"
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: stateWithCookie(pastExpiry()),
		ReconnectURL: &reconnectURL,
		IsActive:     true,
	}}
	runner := &fakeRunner{results: []agent.Result{{
		Succeeded:    true,
		Done:         true,
		StorageState: stateWithCookie(futureExpiry()),
	}}}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)
	manager.connect = func(string) (Live, error) {
		return nil, errors.New("websocket: close 1006")
	}

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, store.deactivated)
	assert.Equal(t, 1, store.replaced)
	assert.Equal(t, "new-session", handle.ID)
}

func TestAcquireReconnectToLoggedOutBrowserFallsBack(t *testing.T) {
	reconnectURL := "ws://browserless:3000/reconnect/abc"
	store := &fakeStore{row: &database.SessionRow{
		ID:           "stored",
		Username:     "operator",
		StorageState: stateWithCookie(pastExpiry()),
		ReconnectURL: &reconnectURL,
		IsActive:     true,
	}}
	runner := &fakeRunner{results: []agent.Result{{
		Succeeded:    true,
		Done:         true,
		StorageState: stateWithCookie(futureExpiry()),
	}}}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)
	manager.connect = func(string) (Live, error) {
		return &fakeLive{state: json.RawMessage(`{"cookies": []}`)}, nil
	}

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Empty(t, store.updated, "a logged-out bundle is never persisted")
	assert.Equal(t, []string{"stored"}, store.deactivated)
	assert.Equal(t, "new-session", handle.ID)
}

func TestAcquireWithoutSessionOrCredentials(t *testing.T) {
	manager := NewManager(&fakeStore{}, &fakeRunner{}, &fakeRenderer{}, Options{}, testLogger())

	_, err := manager.Acquire(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuth)
}

func TestAcquireRejectedLoginIsAuthError(t *testing.T) {
	runner := &fakeRunner{results: []agent.Result{{
		FinalResult: "The password you entered is incorrect.",
		Succeeded:   false,
		Done:        true,
	}}}
	manager := newTestManager(&fakeStore{}, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	_, err := manager.Acquire(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuth)
	assert.Equal(t, 1, runner.calls, "a rejected login must not be retried")
}

func TestAcquireRetriesTransientLoginFailures(t *testing.T) {
	runner := &fakeRunner{
		errs: []error{errors.New("websocket: close 1006"), nil},
		results: []agent.Result{{}, {
			Succeeded:    true,
			Done:         true,
			StorageState: stateWithCookie(futureExpiry()),
		}},
	}
	store := &fakeStore{}
	manager := newTestManager(store, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	handle, err := manager.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, "new-session", handle.ID)
}

func TestAcquireLoginWithoutStorageStateIsAuthError(t *testing.T) {
	runner := &fakeRunner{results: []agent.Result{{Succeeded: true, Done: true}}}
	manager := newTestManager(&fakeStore{}, runner, &fakeRenderer{}, config.SessionValidationOptimistic)

	_, err := manager.Acquire(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuth)
}

func TestStrictValidationProbesThePage(t *testing.T) {
	t.Run("Logged-in page reuses the session", func(t *testing.T) {
		store := &fakeStore{row: &database.SessionRow{
			ID:           "stored",
			Username:     "operator",
			StorageState: stateWithCookie(futureExpiry()),
			IsActive:     true,
		}}
		renderer := &fakeRenderer{html: `<html><body><main>feed</main></body></html>`}
		manager := newTestManager(store, &fakeRunner{}, renderer, config.SessionValidationStrict)

		handle, err := manager.Acquire(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "stored", handle.ID)
	})

	t.Run("Login form retires the session", func(t *testing.T) {
		store := &fakeStore{row: &database.SessionRow{
			ID:           "stored",
			Username:     "operator",
			StorageState: stateWithCookie(futureExpiry()),
			IsActive:     true,
		}}
		renderer := &fakeRenderer{html: `<html><body><form><input name="username"></form></body></html>`}
		runner := &fakeRunner{results: []agent.Result{{
			Succeeded:    true,
			Done:         true,
			StorageState: stateWithCookie(futureExpiry()),
		}}}
		manager := newTestManager(store, runner, renderer, config.SessionValidationStrict)

		handle, err := manager.Acquire(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"stored"}, store.deactivated)
		assert.Equal(t, "new-session", handle.ID)
	})

	t.Run("Login link retires the session", func(t *testing.T) {
		store := &fakeStore{row: &database.SessionRow{
			ID:           "stored",
			Username:     "operator",
			StorageState: stateWithCookie(futureExpiry()),
			IsActive:     true,
		}}
		renderer := &fakeRenderer{html: `<html><body><a href="/accounts/login/?next=%2F">Log in</a></body></html>`}
		runner := &fakeRunner{results: []agent.Result{{
			Succeeded:    true,
			Done:         true,
			StorageState: stateWithCookie(futureExpiry()),
		}}}
		manager := newTestManager(store, runner, renderer, config.SessionValidationStrict)

		_, err := manager.Acquire(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"stored"}, store.deactivated)
	})

	t.Run("Transient probe failure does not burn the session", func(t *testing.T) {
		store := &fakeStore{row: &database.SessionRow{
			ID:           "stored",
			Username:     "operator",
			StorageState: stateWithCookie(futureExpiry()),
			IsActive:     true,
		}}
		renderer := &fakeRenderer{err: errors.New("gateway timeout")}
		manager := newTestManager(store, &fakeRunner{}, renderer, config.SessionValidationStrict)

		_, err := manager.Acquire(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, errclass.ErrTransientProtocol)
		assert.Empty(t, store.deactivated)
	})
}

func TestRefreshRequiresReconnectURL(t *testing.T) {
	handle, err := NewHandle("s1", "operator", stateWithCookie(futureExpiry()), "")
	require.NoError(t, err)

	manager := newTestManager(&fakeStore{}, &fakeRunner{}, &fakeRenderer{}, config.SessionValidationOptimistic)

	assert.Error(t, manager.Refresh(context.Background(), handle))
}

func TestInvalidateDeactivatesSession(t *testing.T) {
	store := &fakeStore{}
	handle, err := NewHandle("s1", "operator", stateWithCookie(futureExpiry()), "")
	require.NoError(t, err)

	manager := newTestManager(store, &fakeRunner{}, &fakeRenderer{}, config.SessionValidationOptimistic)
	manager.Invalidate(context.Background(), handle)

	assert.Equal(t, []string{"s1"}, store.deactivated)
}

func TestHandleCookies(t *testing.T) {
	h, err := NewHandle("s1", "operator", json.RawMessage(
		`{"cookies": [{"name": "sessionid", "value": "secret", "domain": ".instagram.com", "path": "/", "httpOnly": true, "secure": true}]}`,
	), "")
	require.NoError(t, err)

	cookies := h.Cookies()

	require.Len(t, cookies, 1)
	assert.Equal(t, "sessionid", cookies[0].Name)
	assert.Equal(t, "secret", cookies[0].Value)
	assert.Equal(t, ".instagram.com", cookies[0].Domain)
	assert.True(t, cookies[0].HTTPOnly)
	assert.True(t, cookies[0].Secure)
}
