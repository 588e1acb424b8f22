// Package shellutil provides shell-safe quoting for the handful of
// places the engine must interpolate dynamic values (branch names,
// paths, env values) into a command string run through "sh -c" rather
// than exec.Command's argv form, backed by go-shellquote.
package shellutil

import shellquote "github.com/kballard/go-shellquote"

// Quote single-quotes s for safe use inside a POSIX shell command,
// escaping any embedded single quotes.
func Quote(s string) string {
	return shellquote.Join(s)
}

// QuoteAll quotes and space-joins args, suitable for building a single
// "sh -c" command string out of several related operations so that
// related VCS calls can be batched into one shell invocation
//.
func QuoteAll(args ...string) string {
	return shellquote.Join(args...)
}

// Split parses a shell command line into argv-style tokens, honoring
// single/double quotes and backslash escapes. Used when a hook config
// supplies a command as a single string rather than a pre-split argv.
func Split(s string) ([]string, error) {
	return shellquote.Split(s)
}
