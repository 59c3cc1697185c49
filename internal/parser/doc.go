// Package parser recovers a structured clinical assessment from the
// free-form text a local model generates. Model output arrives in many
// shapes: a bare tier keyword, a tier line followed by prose, a JSON
// transport envelope, chain-of-thought preambles, or a legacy structured
// object. The parser tries a fixed ladder of strategies and either
// returns a populated assessment or clinical.ErrParseFailure; it never
// guesses a default tier.
//
// Parsing is pure: the same input always yields the same tier, reasoning,
// and confidence. Identity and timestamps are stamped by the caller.
package parser
