package transform

import (
	"bytes"
	"io"
	"regexp"

	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// CheckboxClass tags rendered task checkboxes so list items can find them.
const CheckboxClass = "task-list-item-checkbox"

// TaskListItemClass is added to list items whose content starts with a checkbox.
const TaskListItemClass = "task-list-li"

var checkboxPrefix = regexp.MustCompile(`^\s*<input class="` + CheckboxClass + `"`)

// SubtreeRenderer renders a single node and its descendants.
// goldmark's renderer.Renderer satisfies it.
type SubtreeRenderer interface {
	Render(w io.Writer, source []byte, n ast.Node) error
}

// TaskListRenderer overrides list items and task checkboxes.
//
// List items are rendered into a scratch buffer first and flagged when their
// first block opens with a checkbox, or when the output begins with the
// checkbox markup written by renderCheckBox.
type TaskListRenderer struct {
	sub SubtreeRenderer
}

// NewTaskListRenderer returns an unbound renderer. Bind must be called with the
// owning goldmark renderer before the first conversion.
func NewTaskListRenderer() *TaskListRenderer {
	return &TaskListRenderer{}
}

// Bind attaches the renderer used for list item children.
func (r *TaskListRenderer) Bind(sub SubtreeRenderer) {
	r.sub = sub
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *TaskListRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(extast.KindTaskCheckBox, r.renderCheckBox)
}

func (r *TaskListRenderer) renderListItem(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	var content bytes.Buffer
	if fc := n.FirstChild(); fc != nil {
		if _, ok := fc.(*ast.TextBlock); !ok {
			content.WriteByte('\n')
		}
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if r.sub == nil {
			break
		}
		if err := r.sub.Render(&content, source, child); err != nil {
			return ast.WalkStop, err
		}
	}

	if startsWithCheckBox(n) || IsTaskListItem(content.Bytes()) {
		_, _ = w.WriteString(`<li class="` + TaskListItemClass + `">`)
	} else {
		_, _ = w.WriteString("<li>")
	}
	_, _ = w.Write(content.Bytes())
	_, _ = w.WriteString("</li>\n")
	return ast.WalkSkipChildren, nil
}

func (r *TaskListRenderer) renderCheckBox(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	box, ok := n.(*extast.TaskCheckBox)
	if !ok {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString(CheckboxHTML(box.IsChecked))
	return ast.WalkContinue, nil
}

// CheckboxHTML is the disabled checkbox written for task list markers.
func CheckboxHTML(checked bool) string {
	state := ""
	if checked {
		state = "checked "
	}
	return `<input class="` + CheckboxClass + `" ` + state + `disabled type="checkbox" /> `
}

// startsWithCheckBox reports whether the item's first block opens with a task
// checkbox. Loose lists wrap it in a paragraph, so the rendered prefix is not enough.
func startsWithCheckBox(item ast.Node) bool {
	block := item.FirstChild()
	if block == nil {
		return false
	}
	_, ok := block.FirstChild().(*extast.TaskCheckBox)
	return ok
}

// IsTaskListItem reports whether rendered list item content starts with a checkbox.
func IsTaskListItem(content []byte) bool {
	return checkboxPrefix.Match(content)
}
