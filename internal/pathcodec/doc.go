// Package pathcodec converts attribute paths to and from their single-string form.
//
// A path is an ordered list of components. Each component is escaped so that a
// literal backslash becomes `\\` and a literal separator becomes `\/`, and the
// escaped components are joined with an unescaped `/`. Decoding reverses this.
// The NUL character is not escaped and passes through unchanged; history files
// written with this encoding depend on that.
package pathcodec
