// Package execctx defines the immutable identity that travels with one
// orchestration request: trace and request identifiers, the user intent and
// optional user/session scoping. Derived contexts are produced by With*
// helpers; nested orchestrations reference their parent by identifier only.
package execctx
