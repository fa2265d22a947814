package adapter

import (
	"testing"

	"github.com/netward/netward/pkg/core"
)

func TestSanitizeArgsRejectsMetacharacters(t *testing.T) {
	cases := []struct {
		name string
		arg  string
	}{
		{"semicolon", "vlan=10;reboot"},
		{"pipe", "name=eth0|cat"},
		{"double ampersand", "mtu=1500&&halt"},
		{"backtick", "desc=`id`"},
		{"dollar", "path=$HOME"},
		{"redirect", "out=>file"},
		{"newline", "a=1\nreboot"},
		{"single quote", "x='y'"},
		{"backslash", "x=a\\b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := SanitizeArgs([]string{"safe=1", tc.arg})
			if err == nil {
				t.Fatalf("expected rejection for %q", tc.arg)
			}
			if !core.IsCode(err, core.ErrUnsafeOperation) {
				t.Fatalf("expected UNSAFE_OPERATION, got %v", core.CodeOf(err))
			}
		})
	}
}

func TestSanitizeArgsAllowsPlainArguments(t *testing.T) {
	args := []string{"show", "mtu=1500", "iface=eth0.10", "desc=uplink-to-core"}
	if err := SanitizeArgs(args); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestSanitizeArgsDoesNotEchoValue(t *testing.T) {
	err := SanitizeArgs([]string{"secret=`cat /etc/shadow`"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if got := err.Error(); len(got) > 0 && containsShadow(got) {
		t.Fatalf("error message echoes the argument: %s", got)
	}
}

func containsShadow(s string) bool {
	for i := 0; i+6 <= len(s); i++ {
		if s[i:i+6] == "shadow" {
			return true
		}
	}
	return false
}
