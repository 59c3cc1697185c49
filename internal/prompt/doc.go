// Package prompt assembles bounded prompts for the local generation
// engine. Each use case has its own typed builder with named fields; every
// variable-length field is truncated to its own character budget before
// substitution, absent data is rendered as an explicit placeholder, and
// substitution order is deterministic so identical inputs always produce
// identical prompts.
package prompt
