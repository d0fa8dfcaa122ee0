package spantree

import (
	"fmt"
	"io"
	"time"
)

const shortIDLength = 8

// Render returns one line per node. Roots are unindented; descendants are
// drawn with ├─, └─ and │ connectors, e.g. "   └─ /api/users [99b1b00f · 18ms]".
func Render(forest []*Node) []string {
	var lines []string
	for _, root := range forest {
		lines = append(lines, Label(root))
		lines = renderChildren(lines, root, "")
	}
	return lines
}

func renderChildren(lines []string, n *Node, prefix string) []string {
	for i, child := range n.Children {
		connector, indent := "├─ ", "│  "
		if i == len(n.Children)-1 {
			connector, indent = "└─ ", "   "
		}
		lines = append(lines, prefix+connector+Label(child))
		lines = renderChildren(lines, child, prefix+indent)
	}
	return lines
}

// Write renders forest to w, one node per line.
func Write(w io.Writer, forest []*Node) error {
	for _, line := range Render(forest) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Label formats a single node as "<name> [<short id> · <duration>]".
func Label(n *Node) string {
	name := n.Description
	if name == "" {
		name = n.Op
	}
	if name == "" {
		name = "<unknown>"
	}
	return fmt.Sprintf("%s [%s · %s]", name, ShortID(n.SpanID), FormatDuration(n.Duration()))
}

// ShortID truncates an id to its first eight characters.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}

// FormatDuration renders d as milliseconds below one second, fractional
// seconds below one minute and minutes with seconds above that.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Round(time.Millisecond).Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
