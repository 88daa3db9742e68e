// Package allowlist decides whether a shell command is covered by a stored
// set of approved command patterns. The analyzer parses the command with the
// bash grammar, splits it into executable segments, and resolves each
// segment to a canonical executable path. Anything the parser cannot pin
// down (command substitution, expanded command names, parse errors) fails
// closed: the analysis is marked not-OK and the allowlist cannot match.
package allowlist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_bash "github.com/tree-sitter/tree-sitter-bash/bindings/go"
)

// Resolution describes the executable a segment would run.
type Resolution struct {
	RawExecutable  string `json:"raw_executable"`
	ResolvedPath   string `json:"resolved_path,omitempty"`
	ExecutableName string `json:"executable_name"`
}

// Segment is one sub-command of a shell string, separated from its siblings
// by control operators (pipes, &&, ||, ;).
type Segment struct {
	Raw        string      `json:"raw"`
	Argv       []string    `json:"argv"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Analysis is the result of parsing a shell command.
type Analysis struct {
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

func failedAnalysis(format string, args ...interface{}) *Analysis {
	return &Analysis{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// Structural nodes whose children may contain commands. The analyzer
// descends into these; any node kind not listed here and not handled
// explicitly fails the analysis.
var traversableKinds = map[string]bool{
	"program":               true,
	"list":                  true,
	"pipeline":              true,
	"subshell":              true,
	"compound_statement":    true,
	"redirected_statement":  true,
	"negated_command":       true,
	"function_definition":   true,
	"if_statement":          true,
	"elif_clause":           true,
	"else_clause":           true,
	"while_statement":       true,
	"for_statement":         true,
	"c_style_for_statement": true,
	"case_statement":        true,
	"case_item":             true,
	"do_group":              true,
}

// Node kinds that can never be resolved to a fixed executable.
var opaqueKinds = map[string]bool{
	"command_substitution": true,
	"process_substitution": true,
	"heredoc_redirect":     true,
}

// Analyze parses a shell command and resolves every segment's executable.
// cwd is used to resolve relative executable paths; env overrides PATH and
// HOME lookups (nil falls back to the process environment). Analyze has no
// side effects.
func Analyze(command, cwd string, env map[string]string) *Analysis {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return failedAnalysis("empty command")
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(tree_sitter.NewLanguage(tree_sitter_bash.Language())); err != nil {
		return failedAnalysis("failed to initialize bash parser: %v", err)
	}

	source := []byte(trimmed)
	tree := parser.Parse(source, nil)
	if tree == nil {
		return failedAnalysis("bash parser returned no tree")
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return failedAnalysis("shell parse error")
	}

	if kind := findOpaqueNode(root); kind != "" {
		return failedAnalysis("unsupported shell construct: %s", prettyKind(kind))
	}

	result := &Analysis{OK: true}
	if ok := collectCommands(root, source, cwd, env, result); !ok {
		return result
	}

	if len(result.Segments) == 0 {
		result.OK = false
		result.Reason = "no executable command found"
	}
	return result
}

// findOpaqueNode walks the whole tree looking for constructs that make the
// target executable ambiguous. Returns the offending node kind or "".
func findOpaqueNode(node *tree_sitter.Node) string {
	if node == nil {
		return ""
	}
	if opaqueKinds[node.Kind()] {
		return node.Kind()
	}
	count := node.ChildCount()
	for i := uint(0); i < count; i++ {
		if kind := findOpaqueNode(node.Child(i)); kind != "" {
			return kind
		}
	}
	return ""
}

func prettyKind(kind string) string {
	return strings.ReplaceAll(kind, "_", " ")
}

// collectCommands walks structural nodes and extracts command segments.
// Returns false after marking the analysis failed.
func collectCommands(node *tree_sitter.Node, source []byte, cwd string, env map[string]string, result *Analysis) bool {
	if node == nil {
		return true
	}

	kind := node.Kind()
	switch {
	case kind == "command":
		segment, err := extractSegment(node, source, cwd, env)
		if err != nil {
			result.OK = false
			result.Reason = err.Error()
			return false
		}
		result.Segments = append(result.Segments, *segment)
		return true

	case kind == "comment" || kind == "variable_assignment" || kind == "declaration_command":
		// Pure assignments and comments execute nothing on their own.
		// Substitutions inside them were rejected by the opaque-node pass.
		return true

	case kind == "file_redirect" || kind == "herestring_redirect":
		// Redirects change streams, not which executable runs. Targets
		// built from substitutions were rejected by the opaque-node pass;
		// heredocs stay opaque.
		return true

	case traversableKinds[kind]:
		count := node.NamedChildCount()
		for i := uint(0); i < count; i++ {
			if !collectCommands(node.NamedChild(i), source, cwd, env, result) {
				return false
			}
		}
		return true

	default:
		result.OK = false
		result.Reason = fmt.Sprintf("unsupported shell construct: %s", prettyKind(kind))
		return false
	}
}

func extractSegment(node *tree_sitter.Node, source []byte, cwd string, env map[string]string) (*Segment, error) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil, fmt.Errorf("cannot determine command name in segment %q", node.Utf8Text(source))
	}

	executable, ok := literalText(nameNode, source)
	if !ok {
		return nil, fmt.Errorf("command name is not a literal in segment %q", node.Utf8Text(source))
	}

	argv := []string{executable}
	count := node.NamedChildCount()
	sawName := false
	for i := uint(0); i < count; i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		if !sawName {
			if child.StartByte() == nameNode.StartByte() {
				sawName = true
			}
			continue
		}
		// Arguments may contain expansions; they do not change which
		// executable runs, so keep their raw text.
		argv = append(argv, argumentText(child, source))
	}

	return &Segment{
		Raw:        node.Utf8Text(source),
		Argv:       argv,
		Resolution: resolveExecutable(executable, cwd, env),
	}, nil
}

// literalText returns the literal string value of a command-name node, or
// ok=false when the name depends on runtime state (expansions).
func literalText(node *tree_sitter.Node, source []byte) (string, bool) {
	// command_name wraps the actual word/string node.
	if node.Kind() == "command_name" && node.NamedChildCount() > 0 {
		return literalText(node.NamedChild(0), source)
	}

	switch node.Kind() {
	case "word", "number":
		return node.Utf8Text(source), true
	case "raw_string":
		text := node.Utf8Text(source)
		return strings.Trim(text, "'"), true
	case "string":
		// A double-quoted name is literal only if it contains no
		// expansions.
		count := node.NamedChildCount()
		for i := uint(0); i < count; i++ {
			if child := node.NamedChild(i); child != nil && child.Kind() != "string_content" {
				return "", false
			}
		}
		return strings.Trim(node.Utf8Text(source), `"`), true
	default:
		return "", false
	}
}

func argumentText(node *tree_sitter.Node, source []byte) string {
	switch node.Kind() {
	case "raw_string":
		return strings.Trim(node.Utf8Text(source), "'")
	case "string":
		return strings.Trim(node.Utf8Text(source), `"`)
	default:
		return node.Utf8Text(source)
	}
}

func envLookup(env map[string]string, key string) string {
	if env != nil {
		if v, ok := env[key]; ok {
			return v
		}
	}
	return os.Getenv(key)
}

func expandHome(path string, env map[string]string) string {
	if path == "" || (path != "~" && !strings.HasPrefix(path, "~/")) {
		return path
	}
	home := envLookup(env, "HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// resolveExecutable resolves a command word to a best-effort canonical path.
// Explicit paths resolve against cwd; bare names search PATH. A nil
// ResolvedPath means the executable could not be located.
func resolveExecutable(rawExec, cwd string, env map[string]string) *Resolution {
	if rawExec == "" {
		return nil
	}

	expanded := expandHome(rawExec, env)

	if strings.Contains(expanded, "/") {
		resolved := expanded
		if !filepath.IsAbs(resolved) {
			base := cwd
			if base == "" {
				base, _ = os.Getwd()
			}
			resolved = filepath.Join(base, resolved)
		}
		resolved = filepath.Clean(resolved)

		res := &Resolution{
			RawExecutable:  rawExec,
			ExecutableName: filepath.Base(resolved),
		}
		if isExecutableFile(resolved) {
			res.ResolvedPath = resolved
		}
		return res
	}

	for _, dir := range filepath.SplitList(envLookup(env, "PATH")) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, expanded)
		if isExecutableFile(candidate) {
			return &Resolution{
				RawExecutable:  rawExec,
				ResolvedPath:   candidate,
				ExecutableName: expanded,
			}
		}
	}

	return &Resolution{
		RawExecutable:  rawExec,
		ExecutableName: expanded,
	}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
