package tool

import (
	"encoding/json"
	"testing"

	"github.com/sagerun/sage/pkg/models"
)

func TestExtractAffectedFiles(t *testing.T) {
	cases := []struct {
		name string
		args string
		want []string
	}{
		{"file_path", `{"file_path":"a.go"}`, []string{"a.go"}},
		{"path", `{"path":"b.go"}`, []string{"b.go"}},
		{"both", `{"file_path":"a.go","path":"b.go"}`, []string{"a.go", "b.go"}},
		{"edits array", `{"edits":[{"file_path":"x.go"},{"file_path":"y.go"}]}`, []string{"x.go", "y.go"}},
		{"none", `{"command":"ls"}`, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ExtractAffectedFiles(json.RawMessage(c.args))
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
		})
	}
}

func TestRuleSet_StrongerSourceWinsEvenIfRegisteredLater(t *testing.T) {
	rules := NewRuleSet([]Rule{
		{Source: SourceBuiltin, ToolNamePattern: "*", Behavior: models.PermissionAllow},
		{Source: SourceCliArg, ToolNamePattern: "exec", Behavior: models.PermissionDeny, Reason: "cli override"},
	})

	result := rules.Resolve(models.ToolCall{Name: "exec"}, "exec", models.PermissionAllow)
	if result.Behavior != models.PermissionDeny {
		t.Fatalf("expected CliArg deny to win over Builtin allow, got %v", result.Behavior)
	}
}

func TestRuleSet_PassthroughDefersToNextRule(t *testing.T) {
	rules := NewRuleSet([]Rule{
		{Source: SourceSessionSettings, ToolNamePattern: "exec", Behavior: models.PermissionPassthrough},
		{Source: SourceProjectSettings, ToolNamePattern: "exec", Behavior: models.PermissionAsk, Reason: "project wants confirmation"},
	})

	result := rules.Resolve(models.ToolCall{Name: "exec"}, "exec", models.PermissionAllow)
	if result.Behavior != models.PermissionAsk {
		t.Fatalf("expected passthrough to defer to the next matching rule, got %v", result.Behavior)
	}
}

func TestRuleSet_PathPatternMatchesAffectedFiles(t *testing.T) {
	rules := NewRuleSet([]Rule{
		{Source: SourceProjectSettings, ToolNamePattern: "write", PathPattern: "*.secret", Behavior: models.PermissionDeny, Reason: "secrets are protected"},
	})

	denied := rules.Resolve(models.ToolCall{Name: "write", Input: json.RawMessage(`{"file_path":"creds.secret"}`)}, "write", models.PermissionAllow)
	if denied.Behavior != models.PermissionDeny {
		t.Fatalf("expected deny for matching path pattern, got %v", denied.Behavior)
	}

	allowed := rules.Resolve(models.ToolCall{Name: "write", Input: json.RawMessage(`{"file_path":"main.go"}`)}, "write", models.PermissionAllow)
	if allowed.Behavior != models.PermissionAllow {
		t.Fatalf("expected the non-matching path to fall through to default, got %v", allowed.Behavior)
	}
}

func TestRuleSet_NoMatchFallsBackToDefault(t *testing.T) {
	rules := NewRuleSet(nil)
	result := rules.Resolve(models.ToolCall{Name: "read"}, "read", models.PermissionAllow)
	if result.Behavior != models.PermissionAllow {
		t.Fatalf("expected default behavior, got %v", result.Behavior)
	}
}

func TestRegistry_RejectsReservedNames(t *testing.T) {
	reg := NewRegistry()
	ft := &fakeTool{name: AskUserQuestionTool}
	if err := reg.Register(ft); err == nil {
		t.Fatal("expected an error registering a reserved tool name")
	}
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeTool{name: "read"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Register(&fakeTool{name: "read"}); err == nil {
		t.Fatal("expected an error registering a duplicate tool name")
	}
}

func TestRegistry_SchemasAreSortedByName(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&fakeTool{name: "write"})
	_ = reg.Register(&fakeTool{name: "exec"})
	_ = reg.Register(&fakeTool{name: "edit"})

	schemas := reg.Schemas()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	want := []string{"edit", "exec", "write"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
