package tool

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/sagerun/sage/pkg/models"
)

// Source identifies where a permission Rule came from. Lower values are
// stronger: the first matching rule from the lowest Source wins over any
// matching rule from a higher Source.
type Source int

const (
	SourceCliArg Source = iota
	SourceSessionSettings
	SourceLocalSettings
	SourceProjectSettings
	SourceUserSettings
	SourceBuiltin
)

// Rule is one permission-rule-set entry. A Rule matches a call when every
// non-empty pattern it carries matches; an empty pattern is a wildcard for
// that dimension.
type Rule struct {
	Source          Source
	ToolNamePattern string // glob against the tool name, e.g. "exec" or "*"
	PathPattern     string // glob against an extracted file path, if any
	CommandPattern  string // glob against a shell command argument, if any
	Behavior        models.PermissionBehavior
	Reason          string
}

// matches reports whether r applies to call, given the extracted affected
// paths and (for exec-like tools) command string.
func (r Rule) matches(call models.ToolCall, toolName string, paths []string, command string) bool {
	if r.ToolNamePattern != "" && !globMatch(r.ToolNamePattern, toolName) {
		return false
	}
	if r.PathPattern != "" {
		matched := false
		for _, p := range paths {
			if globMatch(r.PathPattern, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.CommandPattern != "" && !globMatch(r.CommandPattern, command) {
		return false
	}
	return true
}

func globMatch(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	ok, err := filepath.Match(pattern, value)
	return err == nil && ok
}

// RuleSet resolves a PermissionResult for a tool call by picking the
// strongest (lowest Source) matching non-Passthrough rule.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a RuleSet, pre-sorting by Source so resolution never
// needs to re-sort per call.
func NewRuleSet(rules []Rule) *RuleSet {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })
	return &RuleSet{rules: sorted}
}

// Resolve returns the PermissionResult for call, falling back to
// defaultBehavior when no rule matches (or every matching rule is
// Passthrough).
func (rs *RuleSet) Resolve(call models.ToolCall, toolName string, defaultBehavior models.PermissionBehavior) models.PermissionResult {
	paths := ExtractAffectedFiles(call.Input)
	command := extractCommand(call.Input)

	for _, r := range rs.rules {
		if r.Behavior == models.PermissionPassthrough {
			continue
		}
		if r.matches(call, toolName, paths, command) {
			return models.PermissionResult{Behavior: r.Behavior, Reason: r.Reason}
		}
	}
	return models.PermissionResult{Behavior: defaultBehavior}
}

// ExtractAffectedFiles applies the affected-files extraction rule: look for
// a top-level "file_path" or "path" string, and for an "edits" array whose
// elements carry "file_path".
func ExtractAffectedFiles(rawArgs json.RawMessage) []string {
	if len(rawArgs) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil
	}

	var paths []string
	if v, ok := args["file_path"].(string); ok && v != "" {
		paths = append(paths, v)
	}
	if v, ok := args["path"].(string); ok && v != "" {
		paths = append(paths, v)
	}
	if edits, ok := args["edits"].([]any); ok {
		for _, e := range edits {
			edit, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := edit["file_path"].(string); ok && v != "" {
				paths = append(paths, v)
			}
		}
	}
	return paths
}

func extractCommand(rawArgs json.RawMessage) string {
	if len(rawArgs) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return ""
	}
	if v, ok := args["command"].(string); ok {
		return v
	}
	return ""
}

// PermissionChecker is the seam the executor consults before dispatching a
// call: the rule set first, falling back to the tool's own CheckPermission
// when the rule set yields Passthrough-equivalent (no rule matched and the
// tool declares no stronger default).
type PermissionChecker struct {
	rules *RuleSet
}

// NewPermissionChecker wraps a RuleSet for use by the executor.
func NewPermissionChecker(rules *RuleSet) *PermissionChecker {
	if rules == nil {
		rules = NewRuleSet(nil)
	}
	return &PermissionChecker{rules: rules}
}

// Check resolves the effective permission for a call against t, preferring a
// matching rule over the tool's own opinion, and defaulting to Allow when
// neither has one.
func (c *PermissionChecker) Check(ctx context.Context, t Tool, call models.ToolCall) models.PermissionResult {
	toolDefault := t.CheckPermission(ctx, call)
	fallback := models.PermissionAllow
	if toolDefault.Behavior != "" && toolDefault.Behavior != models.PermissionPassthrough {
		fallback = toolDefault.Behavior
	}

	result := c.rules.Resolve(call, t.Name(), fallback)
	if result.Reason == "" && result.Behavior == toolDefault.Behavior {
		result.Reason = toolDefault.Reason
	}
	return result
}
