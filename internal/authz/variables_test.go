package authz

import (
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	vars := map[string]string{
		"var1":         "res:1",
		"udaru.userId": "u1",
	}
	cases := []struct {
		in   string
		want string
	}{
		{"${var1}", "res:1"},
		{"/docs/${udaru.userId}/file", "/docs/u1/file"},
		{"${missing}", "${missing}"},
		{"${var1}/${missing}", "res:1/${missing}"},
		{"no placeholders", "no placeholders"},
		{"literal ${ without close", "literal ${ without close"},
		{"${}", "${}"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Resolve(tc.in, vars); got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveStatementLeavesInputIntact(t *testing.T) {
	st := Statement{
		Effect:   EffectAllow,
		Action:   []string{"${action}"},
		Resource: []string{"res:${id}"},
	}
	out := ResolveStatement(st, map[string]string{"action": "read", "id": "42"})
	if out.Action[0] != "read" || out.Resource[0] != "res:42" {
		t.Fatalf("unexpected resolution: %+v", out)
	}
	if st.Action[0] != "${action}" || st.Resource[0] != "res:${id}" {
		t.Fatalf("input statement was mutated: %+v", st)
	}
}

func TestExtractVariableNames(t *testing.T) {
	statements := []Statement{
		{
			Effect:   EffectAllow,
			Action:   []string{"${verb}:read", "${verb}:write"},
			Resource: []string{"/docs/${team}", "/docs/${team}/${doc}"},
		},
		{
			Effect:   EffectDeny,
			Action:   []string{"delete"},
			Resource: []string{"/docs/${doc}"},
		},
	}
	got := ExtractVariableNames(statements)
	want := []string{"${doc}", "${team}", "${verb}"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractVariableNames = %v, want %v", got, want)
	}
	if names := ExtractVariableNames(nil); len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
}

func TestBuildVariablesContextWins(t *testing.T) {
	bag := BuildVariables("u1", "org1", map[string]string{
		"udaru.userId": "spoofed",
		"extra":        "v",
	})
	if bag[VarUserID] != "u1" || bag[VarOrganizationID] != "org1" {
		t.Fatalf("context seeds overridden: %v", bag)
	}
	if bag["extra"] != "v" {
		t.Fatalf("request variables dropped: %v", bag)
	}
}
