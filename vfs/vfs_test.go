package vfs_test

import (
	"testing"

	"github.com/vhaudiquet/vkernel/vfs"
	"github.com/vhaudiquet/vkernel/vfs/ramfs"
)

func TestCreateWriteReadRoundTrip(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)

	fd, err := v.OpenFile("/hello.txt", vfs.ModeWrite|vfs.ModeCreate)
	if !err.Ok() {
		t.Fatalf("OpenFile create: %v", err)
	}
	if _, err := v.WriteFile(fd, []byte("hello, kernel")); !err.Ok() {
		t.Fatalf("WriteFile: %v", err)
	}
	v.CloseFile(fd)

	fd2, err := v.OpenFile("/hello.txt", vfs.ModeRead)
	if !err.Ok() {
		t.Fatalf("OpenFile read: %v", err)
	}
	buf := make([]byte, 64)
	n, err := v.ReadFile(fd2, buf)
	if !err.Ok() {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(buf[:n]) != "hello, kernel" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestMountLongestPrefixWins(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)

	rootDir := root.Root()
	if _, err := root.Mkdir(rootDir, "mnt"); !err.Ok() {
		t.Fatalf("Mkdir: %v", err)
	}

	sub := ramfs.New()
	if err := v.Mount("/mnt", sub); !err.Ok() {
		t.Fatalf("Mount: %v", err)
	}

	fd, err := v.OpenFile("/mnt/file.txt", vfs.ModeWrite|vfs.ModeCreate)
	if !err.Ok() {
		t.Fatalf("OpenFile on submount: %v", err)
	}
	if _, err := v.WriteFile(fd, []byte("in sub")); !err.Ok() {
		t.Fatalf("WriteFile: %v", err)
	}
	v.CloseFile(fd)

	// The file must not be visible in the root filesystem directly.
	if _, err := root.Open(rootDir, "file.txt"); err.Ok() {
		t.Fatal("file created under the submount leaked into the root fs")
	}
}

func TestReaddirListsCreatedEntries(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := v.CreateFile("/"+name, 0); !err.Ok() {
			t.Fatalf("CreateFile %s: %v", name, err)
		}
	}

	dirFD, err := v.OpenFile("/", vfs.ModeRead)
	if !err.Ok() {
		t.Fatalf("OpenFile /: %v", err)
	}
	entries, err := v.ReadDirectory(dirFD)
	if !err.Ok() {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}
}

func TestSeekAndSubsequentRead(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)

	fd, _ := v.OpenFile("/f", vfs.ModeWrite|vfs.ModeCreate)
	v.WriteFile(fd, []byte("0123456789"))
	v.CloseFile(fd)

	rfd, _ := v.OpenFile("/f", vfs.ModeRead)
	if _, err := v.Seek(rfd, 5, vfs.SeekSet); !err.Ok() {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 5)
	n, err := v.ReadFile(rfd, buf)
	if !err.Ok() || n != 5 || string(buf) != "56789" {
		t.Fatalf("got %q n=%d err=%v", buf, n, err)
	}
}

func TestRenameAndUnlink(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)

	v.CreateFile("/old", 0)
	if err := v.Rename("/old", "/new"); !err.Ok() {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := v.OpenFile("/old", vfs.ModeRead); err.Ok() {
		t.Fatal("old path should no longer resolve")
	}
	if _, err := v.OpenFile("/new", vfs.ModeRead); !err.Ok() {
		t.Fatalf("new path should resolve: %v", err)
	}
	if err := v.Unlink("/new"); !err.Ok() {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := v.OpenFile("/new", vfs.ModeRead); err.Ok() {
		t.Fatal("unlinked path should no longer resolve")
	}
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	root := ramfs.New()
	v := vfs.New(root, nil, nil)
	if _, err := v.OpenFile("/missing", vfs.ModeWrite); err.Ok() {
		t.Fatal("opening a missing file without ModeCreate should fail")
	}
}
