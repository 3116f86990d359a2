package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
)

// ctxCheckInterval is how many nodes are visited between cancellation checks.
const ctxCheckInterval = 1024

// parseAndWalk parses src with the TSX grammar, which accepts plain JavaScript,
// TypeScript and JSX, and runs the structural checks. It returns false with a
// message when the source does not parse or the walk is cancelled.
func parseAndWalk(ctx context.Context, src []byte, rep *report) (string, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(tsx.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		if ctx.Err() != nil {
			return "Code analysis timeout", false
		}
		return "Code parsing error: " + err.Error(), false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return "Code parsing error: " + describeSyntaxError(root), false
	}

	w := walker{src: src, rep: rep}
	if !w.walk(ctx, root) {
		return "Code analysis timeout", false
	}
	return "", true
}

// describeSyntaxError locates the first error or missing node in pre-order.
func describeSyntaxError(root *sitter.Node) string {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsError() || n.IsMissing() {
			p := n.StartPoint()
			if n.IsMissing() {
				return fmt.Sprintf("missing %s at line %d, column %d", n.Type(), p.Row+1, p.Column+1)
			}
			return fmt.Sprintf("syntax error at line %d, column %d", p.Row+1, p.Column+1)
		}
		if !n.HasError() {
			continue
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return "syntax error"
}

type walker struct {
	src []byte
	rep *report
}

// walk visits every named node in pre-order using an explicit stack, so deeply
// nested input cannot exhaust the goroutine stack.
func (w *walker) walk(ctx context.Context, root *sitter.Node) bool {
	stack := []*sitter.Node{root}
	visited := 0
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		visited++
		if visited%ctxCheckInterval == 0 && ctx.Err() != nil {
			return false
		}

		w.visit(n)

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			if c := n.NamedChild(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return true
}

func (w *walker) visit(n *sitter.Node) {
	switch n.Type() {
	case "call_expression":
		w.visitCall(n)
	case "new_expression":
		if c := n.ChildByFieldName("constructor"); c != nil && c.Type() == "identifier" && w.text(c) == "Function" {
			w.rep.issue("Function constructor usage is not allowed")
		}
	case "import_statement":
		w.visitImport(n)
	case "export_statement":
		// export ... from "<module>" loads the module just like an import.
		if src := n.ChildByFieldName("source"); src != nil {
			w.classifyStatic(w.stringValue(src))
		}
	case "member_expression":
		w.visitMember(n, "property")
	case "subscript_expression":
		w.visitMember(n, "index")
	case "with_statement":
		w.rep.issue("with statement is not allowed")
	case "debugger_statement":
		w.rep.warn("debugger statement found")
	case "assignment_expression", "augmented_assignment_expression":
		w.visitAssignment(n)
	}
}

func (w *walker) visitCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	arg := w.firstArgument(n)

	switch fn.Type() {
	case "import":
		if arg != nil {
			if m := w.stringValue(arg); m != "" && ClassifyModule(m) == ModuleDangerous {
				w.rep.issue("Dangerous dynamic import: %s", m)
			}
		}
		return
	case "identifier":
	default:
		return
	}

	name := w.text(fn)
	switch name {
	case "require":
		if arg != nil {
			w.classifyStatic(w.stringValue(arg))
		}
	case "eval":
		w.rep.issue("eval() usage is not allowed")
	case "Function":
		w.rep.issue("Function constructor usage is not allowed")
	default:
		if _, ok := timerFunctions[name]; ok && arg != nil {
			if t := arg.Type(); t == "string" || t == "template_string" {
				w.rep.issue("%s with string argument is not allowed", name)
			}
		}
	}
}

func (w *walker) visitImport(n *sitter.Node) {
	src := n.ChildByFieldName("source")
	if src == nil {
		// import x = require("<module>")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c != nil && c.Type() == "import_require_clause" {
				src = c.ChildByFieldName("source")
				if src == nil {
					src = firstOfType(c, "string")
				}
				break
			}
		}
	}
	if src != nil {
		w.classifyStatic(w.stringValue(src))
	}
}

func (w *walker) classifyStatic(module string) {
	if module == "" {
		return
	}
	switch ClassifyModule(module) {
	case ModuleDangerous:
		w.rep.issue("Dangerous module import: %s", module)
	case ModuleRestricted:
		w.rep.warn("Restricted module usage: %s", module)
	}
}

// visitMember reports property access rooted at a sensitive global.
func (w *walker) visitMember(n *sitter.Node, propField string) {
	obj := n.ChildByFieldName("object")
	if obj == nil || obj.Type() != "identifier" {
		return
	}
	root := w.text(obj)
	if !IsSensitiveGlobal(root) {
		return
	}

	access := root
	if prop := n.ChildByFieldName(propField); prop != nil {
		if propField == "index" {
			access = root + "[" + w.text(prop) + "]"
		} else {
			access = root + "." + w.text(prop)
		}
	}

	w.rep.warn("Potentially unsafe property access: %s", access)
	if _, critical := criticalGlobals[root]; critical {
		w.rep.issue("Critical global access: %s", access)
	}
}

func (w *walker) visitAssignment(n *sitter.Node) {
	left := n.ChildByFieldName("left")
	if left == nil {
		return
	}
	switch left.Type() {
	case "member_expression", "subscript_expression":
	default:
		return
	}
	obj := left.ChildByFieldName("object")
	if obj != nil && obj.Type() == "identifier" && IsSensitiveGlobal(w.text(obj)) {
		w.rep.warn("Assignment to potentially dangerous global: %s", w.text(obj))
	}
}

// firstArgument returns the first non-comment argument of a call.
func (w *walker) firstArgument(call *sitter.Node) *sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.Type() != "arguments" {
		return nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		if c != nil && c.Type() != "comment" {
			return c
		}
	}
	return nil
}

func firstOfType(n *sitter.Node, kind string) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil && c.Type() == kind {
			return c
		}
	}
	return nil
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

// stringValue decodes a string literal node, resolving escape sequences so
// that 'child\x5fprocess' is classified as child_process. A template literal
// counts when it has no substitutions. Anything else yields "".
func (w *walker) stringValue(n *sitter.Node) string {
	switch n.Type() {
	case "string", "template_string":
	default:
		return ""
	}
	start, end := n.StartByte(), n.EndByte()
	if end-start < 2 {
		return ""
	}
	// Text between the named children is literal content; the grammar does
	// not always expose it as string_fragment nodes.
	var b strings.Builder
	pos := start + 1
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		b.Write(w.src[pos:c.StartByte()])
		switch c.Type() {
		case "template_substitution":
			return ""
		case "escape_sequence":
			b.WriteString(unescape(w.text(c)))
		default:
			b.WriteString(w.text(c))
		}
		pos = c.EndByte()
	}
	b.Write(w.src[pos : end-1])
	return b.String()
}

func unescape(seq string) string {
	if s, err := strconv.Unquote(`"` + seq + `"`); err == nil {
		return s
	}
	// \' and line continuations are not valid Go escapes.
	return strings.TrimPrefix(seq, `\`)
}
