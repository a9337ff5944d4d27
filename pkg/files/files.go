// Package files implements the in-memory file tree that build stages read and
// mutate. The tree mirrors a directory on disk, can hold generated files that
// have no disk counterpart, and is written back by output stages.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotDirectory    = errors.New("target parent is not a directory")
	ErrMissingParent   = errors.New("target parent does not exist")
	ErrNotLoaded       = errors.New("no such loaded file")
	ErrUnsupportedType = errors.New("unhandled file system node type")
	ErrInvalidPath     = errors.New("invalid virtual path")
)

// readConcurrency bounds the number of entries of one directory read at once.
const readConcurrency = 16

// Filter decides whether a virtual path is kept while building a tree.
// Directory paths passed to a filter end in "/".
type Filter func(virtPath string) bool

// Node is one file or directory of the tree. A node is a directory exactly
// when Children is non-nil; only files carry Content.
type Node struct {
	Path      string           // virtual path; directories end in "/", the root is ""
	DiskPath  string           // source on disk, empty for synthesized nodes
	Content   []byte           // file content
	Binary    bool             // Content is not valid UTF-8
	Children  map[string]*Node // directory entries by name
	Generated bool             // content is not authoritative on disk
	Stat      os.FileInfo      // disk metadata at load time, may be nil

	parent *Node
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Children != nil }

// Parent returns the directory the node is attached to, or nil.
func (n *Node) Parent() *Node { return n.parent }

// Name returns the last segment of the node's virtual path.
func (n *Node) Name() string {
	parts := SplitPath(n.Path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Text returns the content as a string.
func (n *Node) Text() string { return string(n.Content) }

// SetContent replaces the file content and records whether it decodes as text.
func (n *Node) SetContent(data []byte) {
	n.Content, n.Binary = Decode(data)
}

// Names returns the directory's entry names in sorted order.
func (n *Node) Names() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clone returns a deep copy of the subtree rooted at n. The copy is detached
// from n's parent and shares no mutable state with the original.
func (n *Node) Clone() *Node {
	return n.cloneInto(nil)
}

func (n *Node) cloneInto(parent *Node) *Node {
	c := &Node{
		Path:      n.Path,
		DiskPath:  n.DiskPath,
		Binary:    n.Binary,
		Generated: n.Generated,
		Stat:      n.Stat,
		parent:    parent,
	}
	if n.Content != nil {
		c.Content = slices.Clone(n.Content)
	}
	if n.Children != nil {
		c.Children = make(map[string]*Node, len(n.Children))
		for name, child := range n.Children {
			c.Children[name] = child.cloneInto(c)
		}
	}
	return c
}

// Decode keeps data as-is and reports whether it is binary. Text detection is
// opportunistic: any invalid UTF-8 sequence marks the file binary rather than
// failing the build.
func Decode(data []byte) ([]byte, bool) {
	return data, !utf8.Valid(data)
}

// NewRoot returns an empty synthesized root directory.
func NewRoot() *Node {
	return &Node{Generated: true, Children: make(map[string]*Node)}
}

// MakeNode loads the disk entry at diskPath as a node with the given virtual
// path. Directories are loaded recursively. It returns nil without error when
// filter rejects the entry.
func MakeNode(parent *Node, diskPath, virtPath string, filter Filter) (*Node, error) {
	stat, err := os.Stat(diskPath)
	if err != nil {
		return nil, err
	}
	node := &Node{parent: parent, Stat: stat, Path: virtPath, DiskPath: diskPath}

	switch {
	case stat.Mode().IsRegular():
		if filter != nil && !filter(virtPath) {
			return nil, nil
		}
		data, err := os.ReadFile(diskPath)
		if err != nil {
			return nil, err
		}
		node.SetContent(data)

	case stat.IsDir():
		if virtPath != "" && !strings.HasSuffix(virtPath, "/") {
			virtPath += "/"
		}
		node.Path = virtPath
		if filter != nil && !filter(virtPath) {
			return nil, nil
		}
		node.Children = make(map[string]*Node)
		if err := AddChildren(node, diskPath, filter); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, diskPath)
	}
	return node, nil
}

// AddChildren loads every entry of the directory base into parent.
func AddChildren(parent *Node, base string, filter Filter) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}

	// Each entry writes into its own slot; the map is filled after the join.
	nodes := make([]*Node, len(entries))
	var g errgroup.Group
	g.SetLimit(readConcurrency)
	for i, entry := range entries {
		g.Go(func() error {
			node, err := MakeNode(parent, filepath.Join(base, entry.Name()), parent.Path+entry.Name(), filter)
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, node := range nodes {
		if node != nil {
			parent.Children[entries[i].Name()] = node
		}
	}
	return nil
}

// AddAs inserts the disk entry at diskPath under virtPath. Missing ancestor
// directories are synthesized only when create is set. An existing node at
// virtPath is returned unchanged.
func AddAs(root *Node, diskPath, virtPath string, create bool) (*Node, error) {
	dir, name, err := parentDir(root, virtPath, create)
	if err != nil {
		return nil, fmt.Errorf("can't add %s as %s: %w", diskPath, virtPath, err)
	}
	if existing := dir.Children[name]; existing != nil {
		return existing, nil
	}
	node, err := MakeNode(dir, diskPath, dir.Path+name, nil)
	if err != nil {
		return nil, err
	}
	dir.Children[name] = node
	return node, nil
}

// Put stores a generated file at virtPath, synthesizing missing ancestors. An
// existing file at that path has its content replaced and becomes generated.
func Put(root *Node, virtPath string, content []byte) (*Node, error) {
	dir, name, err := parentDir(root, virtPath, true)
	if err != nil {
		return nil, fmt.Errorf("can't put %s: %w", virtPath, err)
	}
	node := dir.Children[name]
	if node == nil {
		node = &Node{parent: dir, Path: dir.Path + name}
		dir.Children[name] = node
	} else if node.IsDir() {
		return nil, fmt.Errorf("can't put %s: is a directory", virtPath)
	}
	node.Generated = true
	node.SetContent(content)
	return node, nil
}

// parentDir walks to the directory that holds the last segment of virtPath.
func parentDir(root *Node, virtPath string, create bool) (*Node, string, error) {
	parts := SplitPath(virtPath)
	if len(parts) == 0 {
		return nil, "", ErrInvalidPath
	}
	name := parts[len(parts)-1]

	dir := root
	for _, part := range parts[:len(parts)-1] {
		child := dir.Children[part]
		switch {
		case child != nil && child.IsDir():
			dir = child
		case child != nil:
			return nil, "", ErrNotDirectory
		case create:
			child = &Node{
				parent:    dir,
				Generated: true,
				Path:      dir.Path + part + "/",
				Children:  make(map[string]*Node),
			}
			dir.Children[part] = child
			dir = child
		default:
			return nil, "", ErrMissingParent
		}
	}
	return dir, name, nil
}

// Remove detaches node from its parent. It reports false when the node was
// already detached or its parent no longer holds it under its name.
func Remove(node *Node) bool {
	if node == nil || node.parent == nil {
		return false
	}
	name := node.Name()
	if node.parent.Children[name] != node {
		return false
	}
	delete(node.parent.Children, name)
	node.parent = nil
	return true
}

// Get returns the node at path, or nil. The empty path is the root.
func Get(root *Node, path string) *Node {
	node := root
	for _, part := range SplitPath(path) {
		if node == nil || node.Children == nil {
			return nil
		}
		node = node.Children[part]
	}
	return node
}

// Read returns the content of the file at path.
func Read(root *Node, path string) ([]byte, error) {
	node := Get(root, path)
	if node == nil || node.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, path)
	}
	return node.Content, nil
}

// Walk calls fn for every node below root in depth-first, name-sorted order.
// Directories are visited before their entries. Returning filepath.SkipDir
// from fn for a directory skips its entries.
func Walk(root *Node, fn func(*Node) error) error {
	for _, name := range root.Names() {
		child := root.Children[name]
		err := fn(child)
		if errors.Is(err, filepath.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}
		if child.IsDir() {
			if err := Walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns the virtual paths of all files and directories below root.
func List(root *Node) []string {
	var paths []string
	_ = Walk(root, func(n *Node) error {
		paths = append(paths, n.Path)
		return nil
	})
	return paths
}

// SplitPath splits a virtual path into its segments, ignoring one leading and
// one trailing separator and empty segments.
func SplitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, `\`)
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, `\`)

	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
