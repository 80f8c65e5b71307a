// Package ewelink is the client for the eWeLink (CoolKit v2) device cloud.
//
// It provides the vendor session manager and the three device operations the
// bridge depends on:
//
//   - ListDevices: every device on the account (raw records)
//   - GetDevice: a single device record by id
//   - SetPowerState: switch a device "on" or "off"
//
// # Sessions
//
// Every call first obtains an access token from the Session. The session logs
// in with the account email and password, refreshes with the refresh token
// once the access token is past its TTL, and falls back to a fresh login when
// the refresh is rejected. Session implements oauth2.TokenSource and is cached
// through oauth2.ReuseTokenSource, so EnsureSession is cheap and idempotent.
//
// # Rate limiting
//
// The account is rate limited by the vendor. All requests pass through a
// token-bucket limiter (golang.org/x/time/rate) sized from the configured
// requests-per-minute budget; callers block until a token is available or
// their context ends.
//
// # Errors
//
//	errors.Is(err, ewelink.ErrAuth)    // credentials rejected / session unavailable
//	errors.Is(err, ewelink.ErrFetch)   // list or get failed
//	errors.Is(err, ewelink.ErrCommand) // set power state failed
//
// Vendor error codes are available through errors.As with *APIError.
package ewelink
