package main

import (
	"slices"
	"strings"
	"testing"

	"postpilot/internal/platform"
	"postpilot/internal/post"
)

func TestAccountAddPlatformHelp(t *testing.T) {
	t.Parallel()
	var acct post.Account
	fs := accountAddFlags(&acct)
	usage := fs.Lookup("platform").Usage
	if got := strings.Split(usage, "|"); !slices.Equal(got, platform.Known) {
		t.Fatalf("platform help=%q, want %v", usage, platform.Known)
	}

	if err := fs.Parse([]string{"-platform", "linkedin", "-username", "acme", "-owner", "u1"}); err != nil {
		t.Fatal(err)
	}
	if acct.Platform != "linkedin" || acct.Username != "acme" || acct.OwnerID != "u1" {
		t.Fatalf("account=%+v", acct)
	}
}

func TestOneArg(t *testing.T) {
	t.Parallel()
	if id, err := oneArg("show", []string{"p1"}); err != nil || id != "p1" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	for _, args := range [][]string{nil, {" "}, {"a", "b"}} {
		if _, err := oneArg("show", args); err == nil {
			t.Fatalf("args %q accepted", args)
		}
	}
}
