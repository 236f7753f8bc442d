package target

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// newTestMFS returns a MountedFS with the fsid check off: test tempdirs all
// live on one filesystem.
func newTestMFS(t *testing.T, paths ...string) *MountedFS {
	t.Helper()
	mfs := NewMountedFS(testLogger())
	mfs.DisableFsIDCheck()
	for _, p := range paths {
		if err := mfs.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	return mfs
}

func TestMountedFSInit(t *testing.T) {
	t.Run("zero fspaths refused", func(t *testing.T) {
		mfs := NewMountedFS(testLogger())
		if err := mfs.Init(nil); err == nil {
			t.Fatal("Init with no fspaths should fail")
		}
	})

	t.Run("nonexistent path refused", func(t *testing.T) {
		mfs := NewMountedFS(testLogger())
		mfs.DisableFsIDCheck()
		if err := mfs.Init([]string{filepath.Join(t.TempDir(), "missing")}); err == nil {
			t.Fatal("Init with a missing path should fail")
		}
	})

	t.Run("valid paths", func(t *testing.T) {
		mfs := NewMountedFS(testLogger())
		mfs.DisableFsIDCheck()
		if err := mfs.Init([]string{t.TempDir(), t.TempDir()}); err != nil {
			t.Fatal(err)
		}
		if mfs.NumAvail() != 2 {
			t.Errorf("NumAvail = %d, want 2", mfs.NumAvail())
		}
	})
}

func TestMountedFSAddDuplicate(t *testing.T) {
	dir := t.TempDir()
	mfs := newTestMFS(t, dir)
	if err := mfs.Add(dir); err == nil {
		t.Fatal("re-adding the same path should fail")
	}
}

func TestMountedFSFsIDCheck(t *testing.T) {
	// two tempdirs share one filesystem, so with the check on the second
	// add must be rejected
	mfs := NewMountedFS(testLogger())
	if err := mfs.Add(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := mfs.Add(t.TempDir()); err == nil {
		t.Fatal("second mountpath on the same filesystem should be rejected")
	}
}

func TestMountedFSRemove(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	mfs := newTestMFS(t, a, b)

	if err := mfs.Remove(a); err != nil {
		t.Fatal(err)
	}
	if mfs.NumAvail() != 1 {
		t.Errorf("NumAvail = %d, want 1", mfs.NumAvail())
	}
	if err := mfs.Remove(a); err == nil {
		t.Error("removing twice should fail")
	}

	// disabled mountpaths can be removed too
	if ok, exists := mfs.Disable(b); !ok || !exists {
		t.Fatalf("Disable(%s) = %v, %v", b, ok, exists)
	}
	if err := mfs.Remove(b); err != nil {
		t.Fatal(err)
	}
	if list := mfs.List(); len(list.Available)+len(list.Disabled) != 0 {
		t.Errorf("inventory not empty: %+v", list)
	}
}

func TestMountedFSDisableEnable(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	mfs := newTestMFS(t, a, b)

	disabled, exists := mfs.Disable(a)
	if !disabled || !exists {
		t.Fatalf("Disable = %v, %v", disabled, exists)
	}
	if mfs.NumAvail() != 1 {
		t.Errorf("NumAvail = %d after disable", mfs.NumAvail())
	}

	// disabling again: known but no state change
	disabled, exists = mfs.Disable(a)
	if disabled || !exists {
		t.Errorf("second Disable = %v, %v", disabled, exists)
	}

	enabled, exists := mfs.Enable(a)
	if !enabled || !exists {
		t.Fatalf("Enable = %v, %v", enabled, exists)
	}
	if mfs.NumAvail() != 2 {
		t.Errorf("NumAvail = %d after enable", mfs.NumAvail())
	}

	// unknown path
	if _, exists := mfs.Enable(filepath.Join(a, "nope")); exists {
		t.Error("Enable of unknown path should report exists=false")
	}
}

func TestMountedFSList(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	mfs := newTestMFS(t, a, b)
	mfs.Disable(b)

	list := mfs.List()
	if len(list.Available) != 1 || list.Available[0] != filepath.Clean(a) {
		t.Errorf("Available = %v", list.Available)
	}
	if len(list.Disabled) != 1 || list.Disabled[0] != filepath.Clean(b) {
		t.Errorf("Disabled = %v", list.Disabled)
	}
}

func TestFetchFSInfo(t *testing.T) {
	mfs := newTestMFS(t, t.TempDir())
	info := mfs.FetchFSInfo()
	if info.NumAvail != 1 || info.NumTotal != 1 {
		t.Errorf("counts = %d/%d", info.NumAvail, info.NumTotal)
	}
	if info.Capacity == 0 {
		t.Error("capacity should be nonzero for a real filesystem")
	}
	if info.PctUsed < 0 || info.PctUsed > 100 {
		t.Errorf("pct used = %f", info.PctUsed)
	}
}
