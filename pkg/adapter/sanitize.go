package adapter

import (
	"strings"

	"github.com/netward/netward/pkg/core"
)

// shellMetachars are byte sequences that must never reach the restricted
// command channel. The check runs before any connection is made.
var shellMetachars = []string{
	";", "|", "&", "`", "$", ">", "<", "\n", "\r", "\"", "'", "\\",
}

// SanitizeArgs validates fallback command arguments. It returns an
// UNSAFE_OPERATION error naming the first offending argument; the argument
// value itself is not echoed back.
func SanitizeArgs(args []string) error {
	for i, arg := range args {
		for _, meta := range shellMetachars {
			if strings.Contains(arg, meta) {
				return core.NewError(core.ErrUnsafeOperation,
					"command argument contains a shell metacharacter").
					WithDetail("arg_index", i).
					WithDetail("metacharacter", meta)
			}
		}
	}
	return nil
}
