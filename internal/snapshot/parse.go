package snapshot

import (
	"fmt"
	"strings"

	"drover/internal/browser"
)

// maxNodes caps serialization on pathological pages.
const maxNodes = 2000

// actionableRoles are the accessibility roles worth a ref even without a
// visible name. Everything else earns a ref only when named, which keeps the
// serialized tree dense with targets and free of layout noise.
var actionableRoles = map[string]bool{
	"button":           true,
	"link":             true,
	"textbox":          true,
	"searchbox":        true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"listbox":          true,
	"option":           true,
	"menuitem":         true,
	"menuitemcheckbox": true,
	"menuitemradio":    true,
	"tab":              true,
	"switch":           true,
	"slider":           true,
	"spinbutton":       true,
}

// serialize renders the tree as indented text and assigns refs, returning the
// text and the next unused ref number.
func serialize(root *browser.AXNode, snap *Snapshot, next int) (string, int) {
	if root == nil {
		return "", next
	}
	var b strings.Builder
	count := 0
	var walk func(n *browser.AXNode, depth int)
	walk = func(n *browser.AXNode, depth int) {
		if n == nil || count >= maxNodes {
			return
		}
		count++

		line := strings.Repeat("  ", depth) + "- " + displayRole(n.Role)
		if n.Name != "" {
			line += fmt.Sprintf(" %q", n.Name)
		}
		if n.Value != "" {
			line += fmt.Sprintf(": %s", n.Value)
		}
		if referenceable(n) {
			ref := fmt.Sprintf("ref-%d", next)
			next++
			snap.entries[ref] = Entry{Ref: ref, Role: n.Role, Name: n.Name, BackendID: n.BackendID}
			snap.order = append(snap.order, snap.entries[ref])
			line += fmt.Sprintf(" [ref=%s]", ref)
		}
		if n.Disabled {
			line += " [disabled]"
		}
		if n.Focused {
			line += " [focused]"
		}
		if n.Checked != "" && n.Checked != "false" {
			line += " [checked=" + n.Checked + "]"
		}
		b.WriteString(line)
		b.WriteByte('\n')
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return b.String(), next
}

// referenceable decides whether a node gets a ref. It must be actionable by
// the driver, which requires a backend node id.
func referenceable(n *browser.AXNode) bool {
	if n.BackendID == 0 {
		return false
	}
	role := strings.ToLower(n.Role)
	if actionableRoles[role] {
		return true
	}
	// Named structural nodes are still useful targets for scroll and hover.
	return n.Name != ""
}

func displayRole(role string) string {
	if role == "" {
		return "generic"
	}
	return role
}
