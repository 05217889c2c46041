package image_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"

	"github.com/cindervm/cinder/internal/image"
)

func newTestManager(t *testing.T) (*image.Manager, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return image.NewManager(fsys, logger), fsys
}

func TestPrepareRootfs(t *testing.T) {
	mgr, fsys := newTestManager(t)

	base := "/images/rootfs/python/rootfs.ext4"
	content := []byte("base image bytes")
	if err := afero.WriteFile(fsys, base, content, 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}

	out := "/scratch/vm1/rootfs.ext4"
	if err := mgr.PrepareRootfs(base, out); err != nil {
		t.Fatalf("PrepareRootfs: %v", err)
	}

	got, err := afero.ReadFile(fsys, out)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("copied rootfs = %q, want %q", got, content)
	}

	// The copy must be independent of the base.
	if err := afero.WriteFile(fsys, out, []byte("scribbled"), 0o644); err != nil {
		t.Fatalf("modify copy: %v", err)
	}
	baseAfter, _ := afero.ReadFile(fsys, base)
	if string(baseAfter) != string(content) {
		t.Errorf("base image changed after writing the copy")
	}
}

func TestPrepareRootfsMissingBase(t *testing.T) {
	mgr, _ := newTestManager(t)

	if err := mgr.PrepareRootfs("/images/missing.ext4", "/scratch/vm1/rootfs.ext4"); err == nil {
		t.Fatal("PrepareRootfs with missing base succeeded")
	}
}

func TestCleanupIgnoresMissing(t *testing.T) {
	mgr, fsys := newTestManager(t)

	if err := afero.WriteFile(fsys, "/scratch/vm1/fc.sock", []byte{}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	err := mgr.Cleanup("/scratch/vm1/fc.sock", "/scratch/vm1/never-existed", "")
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if ok, _ := afero.Exists(fsys, "/scratch/vm1/fc.sock"); ok {
		t.Error("socket file still present after Cleanup")
	}
}

func TestChecksum(t *testing.T) {
	mgr, fsys := newTestManager(t)

	if err := afero.WriteFile(fsys, "/scratch/rootfs.ext4", []byte("abc"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	sum, err := mgr.Checksum("/scratch/rootfs.ext4")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != want {
		t.Errorf("Checksum = %s, want %s", sum, want)
	}
}
