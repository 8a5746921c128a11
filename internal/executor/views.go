package executor

import (
	"encoding/json"
	"strings"
)

// viewNode is one node of the accessibility tree the bridge reports.
type viewNode struct {
	Text       string     `json:"text,omitempty"`
	Desc       string     `json:"contentDescription,omitempty"`
	ResourceID string     `json:"resourceId,omitempty"`
	Class      string     `json:"className,omitempty"`
	Bounds     [4]int     `json:"bounds,omitempty"` // left, top, right, bottom in screen pixels
	Clickable  bool       `json:"clickable,omitempty"`
	Editable   bool       `json:"editable,omitempty"`
	Children   []viewNode `json:"children,omitempty"`
}

func (n *viewNode) centerX() int { return (n.Bounds[0] + n.Bounds[2]) / 2 }
func (n *viewNode) centerY() int { return (n.Bounds[1] + n.Bounds[3]) / 2 }

func (n *viewNode) contains(x, y int) bool {
	return x >= n.Bounds[0] && x < n.Bounds[2] && y >= n.Bounds[1] && y < n.Bounds[3]
}

func parseViews(raw json.RawMessage) (*viewNode, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var root viewNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// walk visits every node depth-first until fn returns false.
func walk(n *viewNode, fn func(*viewNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for i := range n.Children {
		if !walk(&n.Children[i], fn) {
			return false
		}
	}
	return true
}

// snapToClickable moves a grounded point onto the center of the nearest
// clickable element whose bounds lie within radius pixels. A point already
// inside a clickable element snaps to that element's center. Points with no
// clickable neighbor are returned unchanged.
func snapToClickable(root *viewNode, x, y, radius int) (int, int) {
	if root == nil {
		return x, y
	}

	bestX, bestY := x, y
	bestDist := radius*radius + 1
	walk(root, func(n *viewNode) bool {
		if !n.Clickable {
			return true
		}
		if n.contains(x, y) {
			bestX, bestY = n.centerX(), n.centerY()
			bestDist = 0
			return false
		}
		dx := clampDelta(x, n.Bounds[0], n.Bounds[2])
		dy := clampDelta(y, n.Bounds[1], n.Bounds[3])
		if d := dx*dx + dy*dy; d < bestDist {
			bestDist = d
			bestX, bestY = n.centerX(), n.centerY()
		}
		return true
	})
	return bestX, bestY
}

// clampDelta is the distance from v to the interval [lo, hi), zero inside it.
func clampDelta(v, lo, hi int) int {
	if v < lo {
		return lo - v
	}
	if v >= hi {
		return v - hi + 1
	}
	return 0
}

// hasText reports whether any node's text or description contains needle,
// case-insensitively.
func hasText(root *viewNode, needle string) bool {
	needle = strings.ToLower(needle)
	found := false
	walk(root, func(n *viewNode) bool {
		if strings.Contains(strings.ToLower(n.Text), needle) ||
			strings.Contains(strings.ToLower(n.Desc), needle) ||
			strings.EqualFold(n.ResourceID, needle) {
			found = true
			return false
		}
		return true
	})
	return found
}

// fieldContains reports whether an editable field's text contains needle.
func fieldContains(root *viewNode, needle string) bool {
	needle = strings.ToLower(needle)
	found := false
	walk(root, func(n *viewNode) bool {
		if n.Editable && strings.Contains(strings.ToLower(n.Text), needle) {
			found = true
			return false
		}
		return true
	})
	return found
}
