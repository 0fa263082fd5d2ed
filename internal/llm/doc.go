// Package llm defines the contract shared by every provider adapter: the
// request context handed to a branch, the fragment stream it yields, and the
// helpers both integration shapes rely on.
package llm
