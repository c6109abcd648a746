// Package setup prepares and cleans the local state of dbmatrix: the state
// directory and the lease journal kept in it.
//
// This package is a collection of small host scripts, and is therefore the
// only package that is allowed to call a global logger.
package setup
