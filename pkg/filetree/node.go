// Package filetree models project file collections as a tagged File/Directory
// tree and canonicalizes flat, slash-delimited representations into the nested
// form the sandboxed runner mounts directly.
package filetree

// FilePayload carries the contents of a single file leaf.
type FilePayload struct {
	Contents string `json:"contents"`
}

// Node is a tagged variant: exactly one of File or Directory is set.
// The JSON shape matches the execution environment's mount contract:
// {"file":{"contents":"..."}} or {"directory":{"name":{...}}}.
type Node struct {
	File      *FilePayload     `json:"file,omitempty"`
	Directory map[string]*Node `json:"directory,omitempty"`
}

// Tree maps entry names (or, pre-normalization, slash-delimited paths) to nodes.
type Tree map[string]*Node

// NewFile builds a file leaf.
func NewFile(contents string) *Node {
	return &Node{File: &FilePayload{Contents: contents}}
}

// NewDirectory builds a directory node with the given children.
func NewDirectory(children Tree) *Node {
	if children == nil {
		children = Tree{}
	}
	return &Node{Directory: children}
}

// IsFile reports whether the node is a file leaf.
func (n *Node) IsFile() bool {
	return n != nil && n.File != nil && n.Directory == nil
}

// IsDirectory reports whether the node is a directory.
func (n *Node) IsDirectory() bool {
	return n != nil && n.Directory != nil && n.File == nil
}

// clone deep-copies a node.
func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{}
	if n.File != nil {
		payload := *n.File
		out.File = &payload
	}
	if n.Directory != nil {
		out.Directory = make(map[string]*Node, len(n.Directory))
		for name, child := range n.Directory {
			out.Directory[name] = child.clone()
		}
	}
	return out
}

// Equal reports whether two trees are structurally identical.
func Equal(a, b Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for name, an := range a {
		bn, ok := b[name]
		if !ok || !nodeEqual(an, bn) {
			return false
		}
	}
	return true
}

func nodeEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if (a.File == nil) != (b.File == nil) {
		return false
	}
	if a.File != nil && a.File.Contents != b.File.Contents {
		return false
	}
	if (a.Directory == nil) != (b.Directory == nil) {
		return false
	}
	if a.Directory != nil {
		return Equal(Tree(a.Directory), Tree(b.Directory))
	}
	return true
}
