package files

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeTree creates files under dir from a path → content map. Paths ending
// in "/" create empty directories.
func writeTree(t *testing.T, dir string, entries map[string]string) {
	t.Helper()
	for p, content := range entries {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if strings.HasSuffix(p, "/") {
			if err := os.MkdirAll(full, 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMakeNode_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"package.json":        `{"name":"x"}`,
		"src/index.js":        "console.log(1)",
		"src/lib/util.js":     "export {}",
		"assets/":             "",
		"assets/icon.svg":     "<svg/>",
		"assets/nested/deep/": "",
	})

	root, err := MakeNode(nil, dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if root.Path != "" || !root.IsDir() {
		t.Fatalf("root = %q dir=%v", root.Path, root.IsDir())
	}

	want := []string{
		"assets/",
		"assets/icon.svg",
		"assets/nested/",
		"assets/nested/deep/",
		"package.json",
		"src/",
		"src/index.js",
		"src/lib/",
		"src/lib/util.js",
	}
	got := List(root)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	seen := make(map[*Node]bool)
	for _, p := range got {
		n := Get(root, p)
		if n == nil {
			t.Fatalf("Get(%q) = nil", p)
		}
		if seen[n] {
			t.Fatalf("Get(%q) returned a node twice", p)
		}
		seen[n] = true
		if n.Path != p {
			t.Errorf("Get(%q).Path = %q", p, n.Path)
		}
	}

	if got := Get(root, "src/index.js").Text(); got != "console.log(1)" {
		t.Errorf("content = %q", got)
	}
}

func TestMakeNode_Filter(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"keep.txt":          "a",
		"drop.log":          "b",
		"node_modules/x.js": "c",
	})

	root, err := MakeNode(nil, dir, "", func(p string) bool {
		return !strings.HasSuffix(p, ".log") && p != "node_modules/"
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"keep.txt"}, List(root)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestMakeNode_BinaryFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x81}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "text.txt"), []byte("héllo"), 0o644); err != nil {
		t.Fatal(err)
	}

	root, err := MakeNode(nil, dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := Get(root, "blob.bin"); !n.Binary || len(n.Content) != 4 {
		t.Errorf("blob.bin binary=%v len=%d", n.Binary, len(n.Content))
	}
	if n := Get(root, "text.txt"); n.Binary {
		t.Error("text.txt should decode as text")
	}
}

func TestAddAs(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"tree/a.txt": "a",
		"extra.txt":  "extra",
	})
	root, err := MakeNode(nil, filepath.Join(dir, "tree"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	extra := filepath.Join(dir, "extra.txt")

	if _, err := AddAs(root, extra, "vendor/lib/extra.txt", false); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("err = %v, want ErrMissingParent", err)
	}
	if _, err := AddAs(root, extra, "a.txt/extra.txt", true); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("err = %v, want ErrNotDirectory", err)
	}

	n, err := AddAs(root, extra, "vendor/lib/extra.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	if n.Path != "vendor/lib/extra.txt" || n.Text() != "extra" {
		t.Errorf("node = %q %q", n.Path, n.Text())
	}
	if vendor := Get(root, "vendor"); vendor == nil || !vendor.Generated || vendor.Path != "vendor/" {
		t.Errorf("synthesized ancestor = %+v", vendor)
	}

	again, err := AddAs(root, extra, "vendor/lib/extra.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if again != n {
		t.Error("AddAs should return the existing node")
	}
}

func TestRemove(t *testing.T) {
	root := NewRoot()
	n, err := Put(root, "dir/file.txt", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !Remove(n) {
		t.Fatal("first Remove should succeed")
	}
	if Remove(n) {
		t.Error("second Remove should be a no-op")
	}
	if Get(root, "dir/file.txt") != nil {
		t.Error("node still reachable")
	}
	if Remove(root) {
		t.Error("removing the root should be a no-op")
	}
}

func TestPut_Overwrite(t *testing.T) {
	root := NewRoot()
	if _, err := Put(root, "manifest.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	n, err := Put(root, "/manifest.json", []byte(`{"v":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if !n.Generated || n.Text() != `{"v":2}` {
		t.Errorf("node = %+v", n)
	}
	got, err := Read(root, "manifest.json")
	if err != nil || string(got) != `{"v":2}` {
		t.Errorf("Read = %q, %v", got, err)
	}
	if _, err := Read(root, "missing"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("err = %v, want ErrNotLoaded", err)
	}
}

func TestClone_Independent(t *testing.T) {
	root := NewRoot()
	if _, err := Put(root, "a/b.txt", []byte("one")); err != nil {
		t.Fatal(err)
	}
	c := root.Clone()

	Get(c, "a/b.txt").Content[0] = 'O'
	if _, err := Put(c, "a/new.txt", []byte("n")); err != nil {
		t.Fatal(err)
	}

	if got := Get(root, "a/b.txt").Text(); got != "one" {
		t.Errorf("original mutated: %q", got)
	}
	if Get(root, "a/new.txt") != nil {
		t.Error("clone insert leaked into original")
	}
	if Get(c, "a/b.txt").Parent() != Get(c, "a") {
		t.Error("clone parent pointers not rewired")
	}
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/", nil},
		{"a", []string{"a"}},
		{"/a/b/", []string{"a", "b"}},
		{"a//b", []string{"a", "b"}},
		{`\a/b`, []string{"a", "b"}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, SplitPath(tc.in)); diff != "" {
			t.Errorf("SplitPath(%q) (-want +got):\n%s", tc.in, diff)
		}
	}
}
