// Package auth guards the taskrun HTTP surface.
//
// Authenticators vote on each request: Yes carries an identity, No rejects
// the credentials, Abstain passes the request on to the next authenticator
// in the Chain. When every authenticator abstains the chain's fallback
// decides.
//
// Middleware runs the chain ahead of the routes, applies the per-tier rate
// limit and stores the identity and its tenant in the request context so
// run history records who asked for what.
package auth
