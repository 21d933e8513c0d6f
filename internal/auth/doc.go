// Package auth verifies API credentials for the espnode bridge.
//
// Two mechanisms cover the whole HTTP surface:
//
//   - Bearer tokens. Operators configure named tokens as Argon2id PHC
//     hashes; the raw token never touches disk. Every /api/v1 request
//     presents one in the Authorization header and the Keychain matches
//     it against the configured set.
//
//   - Websocket tickets. Browsers cannot attach an Authorization header
//     to a websocket dial, so an authenticated client first requests a
//     short-lived signed ticket and passes it as a query parameter when
//     opening the stream.
package auth
