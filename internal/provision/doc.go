// Package provision makes the host ready to run a headless browser.
//
// The Installer picks the cheapest correct strategy for the deployment mode:
//   - ModeManagedCloud: the platform already ships a browser, so the installer only
//     ensures the session-persistence directory exists.
//   - ModeLocal: a BrowserFetcher downloads a browser binary (an external
//     package-manager command or the playwright driver).
//
// Install never fails the process. It returns a Result that is either ready or
// degraded, and the caller decides whether to continue. The Verifier is the strict
// counterpart: it fetches a browser, launches it headless, and reports its version,
// returning an error on any failure.
package provision
