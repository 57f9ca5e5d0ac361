package testutil

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// RodBrowser wraps a go-rod browser for connector tests. Browsers are
// expensive; tests that use one should skip in short mode.
type RodBrowser struct {
	t        *testing.T
	browser  *rod.Browser
	launcher *launcher.Launcher
	headless bool
}

// RodPage wraps a page with polling helpers suited to websocket UIs.
type RodPage struct {
	t    *testing.T
	page *rod.Page
}

// RodOption configures a RodBrowser.
type RodOption func(*RodBrowser)

// WithHeadless toggles headless mode. Headless is the default; turning it off
// is occasionally useful when debugging a connector test locally.
func WithHeadless(headless bool) RodOption {
	return func(rb *RodBrowser) {
		rb.headless = headless
	}
}

// NewRodBrowser launches a browser and registers cleanup on t.
func NewRodBrowser(t *testing.T, opts ...RodOption) *RodBrowser {
	t.Helper()

	rb := &RodBrowser{t: t, headless: true}
	for _, opt := range opts {
		opt(rb)
	}

	rb.launcher = launcher.New().
		Headless(rb.headless).
		Delete("disable-extensions")
	if !rb.headless {
		rb.launcher.Delete("disable-gpu")
	}

	controlURL := rb.launcher.MustLaunch()
	rb.browser = rod.New().ControlURL(controlURL).MustConnect()

	t.Cleanup(rb.Close)
	return rb
}

// Close shuts the browser down. Safe to call twice.
func (rb *RodBrowser) Close() {
	if rb.browser != nil {
		rb.browser.MustClose()
		rb.browser = nil
	}
}

// MustPage opens url in a fresh page and registers cleanup on t.
func (rb *RodBrowser) MustPage(url string) *RodPage {
	rb.t.Helper()

	page := rb.browser.MustPage(url)
	rb.t.Cleanup(func() {
		page.MustClose()
	})
	return &RodPage{t: rb.t, page: page}
}

// WaitForLoad blocks until the page's load event fires.
func (rp *RodPage) WaitForLoad() *RodPage {
	rp.t.Helper()
	rp.page.MustWaitLoad()
	return rp
}

// MustElement returns the element matching selector, failing the test if it
// never appears.
func (rp *RodPage) MustElement(selector string) *rod.Element {
	rp.t.Helper()
	return rp.page.MustElement(selector)
}

// EvalString evaluates js (a zero-argument function expression) and returns
// the result as a string.
func (rp *RodPage) EvalString(js string) string {
	rp.t.Helper()
	res, err := rp.page.Eval(js)
	if err != nil {
		rp.t.Fatalf("eval %q: %v", js, err)
	}
	return res.Value.Str()
}

// WaitForText polls selector until its text matches want or the timeout
// expires.
func (rp *RodPage) WaitForText(selector, want string, timeout time.Duration) error {
	rp.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		el, err := rp.page.Element(selector)
		if err == nil && el != nil {
			if text, err := el.Text(); err == nil && text == want {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	el, err := rp.page.Element(selector)
	if err != nil {
		return fmt.Errorf("element %s never appeared while waiting for %q", selector, want)
	}
	text, _ := el.Text()
	return fmt.Errorf("element %s = %q after %v, want %q", selector, text, timeout, want)
}

// WaitForTextContains polls selector until its text contains want.
func (rp *RodPage) WaitForTextContains(selector, want string, timeout time.Duration) error {
	rp.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		el, err := rp.page.Element(selector)
		if err == nil && el != nil {
			if text, err := el.Text(); err == nil && strings.Contains(text, want) {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("element %s did not contain %q within %v", selector, want, timeout)
}

// WSURL converts an httptest server URL into a websocket URL for path,
// defaulting to the daemon's /api/ws endpoint.
func WSURL(server *httptest.Server, path string) string {
	if path == "" {
		path = "/api/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.Replace(server.URL, "http://", "ws://", 1) + path
}
