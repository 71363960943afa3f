package session

import (
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// LiveSession is a CDP attachment to a browser that is still running on
// the render farm. It reuses the existing browser contexts instead of
// launching anything locally.
type LiveSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
}

// Connect attaches to a running browser over CDP.
func Connect(cdpURL string) (*LiveSession, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	browser, err := pw.Chromium.ConnectOverCDP(cdpURL)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("connect over cdp: %w", err)
	}

	var context playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		context = contexts[0]
	} else {
		context, err = browser.NewContext()
		if err != nil {
			browser.Close()
			pw.Stop()
			return nil, fmt.Errorf("create browser context: %w", err)
		}
	}

	return &LiveSession{pw: pw, browser: browser, context: context}, nil
}

// ExportStorageState re-exports the context's cookies and origin
// storage as a credential bundle.
func (s *LiveSession) ExportStorageState() (json.RawMessage, error) {
	state, err := s.context.StorageState()
	if err != nil {
		return nil, fmt.Errorf("export storage state: %w", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal storage state: %w", err)
	}
	return raw, nil
}

// Close detaches from the browser. The remote browser itself keeps
// running, so the session stays resumable.
func (s *LiveSession) Close() error {
	var errs []error
	if err := s.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser connection: %w", err))
	}
	if err := s.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
