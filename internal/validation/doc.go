// Package validation implements input validation and standardization for
// plugin invocations. The validator is pure: it performs no I/O and mutates
// nothing it is given. Provided inputs are alias-mapped to canonical names,
// checked for required presence, and coerced losslessly toward the declared
// types. Unknown inputs pass through verbatim.
package validation
