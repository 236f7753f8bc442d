package target

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/shandan1/aistore/internal/cluster"
)

type (
	// Mountpath is one local directory serviced by a local filesystem. There
	// is a 1-to-1 relationship between a mountpath and a filesystem: different
	// mountpaths map onto different filesystems.
	Mountpath struct {
		Path       string `json:"path"`
		OrigPath   string `json:"orig_path"` // as entered by the user, for logging
		FileSystem string `json:"fs"`
		fsid       syscall.Fsid
	}

	// MountedFS holds all mountpaths of a target. The available and disabled
	// sets are copy-on-write behind atomic pointers: readers never block
	// behind mutations.
	MountedFS struct {
		mu sync.Mutex
		// fsIDs guards against mounting two mountpaths on one filesystem.
		fsIDs     map[syscall.Fsid]string
		checkFsID bool
		available atomic.Pointer[map[string]*Mountpath]
		disabled  atomic.Pointer[map[string]*Mountpath]
		log       *zap.SugaredLogger
	}
)

func newMountpath(path string, fsid syscall.Fsid, fs string) *Mountpath {
	return &Mountpath{
		Path:       filepath.Clean(path),
		OrigPath:   path,
		FileSystem: fs,
		fsid:       fsid,
	}
}

func (mi *Mountpath) String() string {
	return fmt.Sprintf("mp[%s, fs=%s]", mi.Path, mi.FileSystem)
}

func NewMountedFS(log *zap.SugaredLogger) *MountedFS {
	mfs := &MountedFS{
		fsIDs:     make(map[syscall.Fsid]string, 10),
		checkFsID: true,
		log:       log,
	}
	empty := make(map[string]*Mountpath)
	mfs.available.Store(&empty)
	empty2 := make(map[string]*Mountpath)
	mfs.disabled.Store(&empty2)
	return mfs
}

// DisableFsIDCheck allows multiple mountpaths on one filesystem; used in
// single-disk development deployments.
func (mfs *MountedFS) DisableFsIDCheck() { mfs.checkFsID = false }

// Init validates and adds the configured fspaths.
func (mfs *MountedFS) Init(fsPaths []string) error {
	if len(fsPaths) == 0 {
		return fmt.Errorf("no fspaths configured - refusing to start with zero mountpaths")
	}
	for _, path := range fsPaths {
		if err := mfs.Add(path); err != nil {
			return err
		}
	}
	return nil
}

// Add adds a new mountpath to the available set.
func (mfs *MountedFS) Add(mpath string) error {
	if _, err := os.Stat(mpath); err != nil {
		return fmt.Errorf("fspath %q does not exist: %w", mpath, err)
	}
	statfs := syscall.Statfs_t{}
	if err := syscall.Statfs(mpath, &statfs); err != nil {
		return fmt.Errorf("cannot statfs fspath %q: %w", mpath, err)
	}

	mp := newMountpath(mpath, statfs.Fsid, fsTypeName(statfs.Type))

	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	available, disabled := mfs.mountpathsCopy()
	if _, exists := available[mp.Path]; exists {
		return fmt.Errorf("tried to add already registered mountpath: %v", mp.Path)
	}
	if existing, exists := mfs.fsIDs[mp.fsid]; exists && mfs.checkFsID {
		return fmt.Errorf("tried to add path %v but same filesystem was already registered by %v", mpath, existing)
	}

	available[mp.Path] = mp
	mfs.fsIDs[mp.fsid] = mpath
	mfs.updatePaths(available, disabled)
	mfs.log.Infof("added mountpath %s (%d total)", mp, len(available))
	return nil
}

// Remove removes a mountpath from either set.
func (mfs *MountedFS) Remove(mpath string) error {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	mpath = filepath.Clean(mpath)
	available, disabled := mfs.mountpathsCopy()
	if mp, exists := disabled[mpath]; exists {
		delete(disabled, mpath)
		delete(mfs.fsIDs, mp.fsid)
		mfs.updatePaths(available, disabled)
		return nil
	}
	mp, exists := available[mpath]
	if !exists {
		return fmt.Errorf("tried to remove non-existing mountpath: %v", mpath)
	}
	delete(available, mpath)
	delete(mfs.fsIDs, mp.fsid)
	if l := len(available); l == 0 {
		mfs.log.Errorf("removed the last available mountpath %s", mp)
	} else {
		mfs.log.Infof("removed mountpath %s (%d remain active)", mp, l)
	}
	mfs.updatePaths(available, disabled)
	return nil
}

// Enable moves a previously disabled mountpath back to available. enabled is
// true when the move happened; exists is true when the mountpath is known.
func (mfs *MountedFS) Enable(mpath string) (enabled, exists bool) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	mpath = filepath.Clean(mpath)
	available, disabled := mfs.mountpathsCopy()
	if _, ok := available[mpath]; ok {
		return false, true
	}
	if mp, ok := disabled[mpath]; ok {
		available[mpath] = mp
		delete(disabled, mpath)
		mfs.updatePaths(available, disabled)
		return true, true
	}
	return
}

// Disable moves an available mountpath to the disabled set.
func (mfs *MountedFS) Disable(mpath string) (disabled bool, exists bool) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	mpath = filepath.Clean(mpath)
	availablePaths, disabledPaths := mfs.mountpathsCopy()
	if mp, ok := availablePaths[mpath]; ok {
		disabledPaths[mpath] = mp
		delete(availablePaths, mpath)
		mfs.updatePaths(availablePaths, disabledPaths)
		if l := len(availablePaths); l == 0 {
			mfs.log.Errorf("disabled the last available mountpath %s", mp)
		} else {
			mfs.log.Infof("disabled mountpath %s (%d remain active)", mp, l)
		}
		return true, true
	}
	if _, ok := disabledPaths[mpath]; ok {
		return false, true
	}
	return
}

// Get returns the current available and disabled sets. The returned maps are
// immutable snapshots and must not be modified.
func (mfs *MountedFS) Get() (map[string]*Mountpath, map[string]*Mountpath) {
	return *mfs.available.Load(), *mfs.disabled.Load()
}

func (mfs *MountedFS) NumAvail() int {
	return len(*mfs.available.Load())
}

// List returns the inventory in wire form, paths sorted.
func (mfs *MountedFS) List() cluster.MountpathList {
	available, disabled := mfs.Get()
	list := cluster.MountpathList{
		Available: make([]string, 0, len(available)),
		Disabled:  make([]string, 0, len(disabled)),
	}
	for mpath := range available {
		list.Available = append(list.Available, mpath)
	}
	for mpath := range disabled {
		list.Disabled = append(list.Disabled, mpath)
	}
	slices.Sort(list.Available)
	slices.Sort(list.Disabled)
	return list
}

// FetchFSInfo aggregates capacity across distinct filesystems backing the
// available mountpaths.
func (mfs *MountedFS) FetchFSInfo() cluster.FSInfo {
	available, disabled := mfs.Get()
	fsInfo := cluster.FSInfo{
		NumAvail: len(available),
		NumTotal: len(available) + len(disabled),
	}
	visited := make(map[syscall.Fsid]struct{})
	for mpath := range available {
		statfs := &syscall.Statfs_t{}
		if err := syscall.Statfs(mpath, statfs); err != nil {
			mfs.log.Errorf("failed to statfs mountpath %q: %v", mpath, err)
			continue
		}
		if _, ok := visited[statfs.Fsid]; ok {
			continue
		}
		visited[statfs.Fsid] = struct{}{}
		fsInfo.Used += (statfs.Blocks - statfs.Bavail) * uint64(statfs.Bsize)
		fsInfo.Capacity += statfs.Blocks * uint64(statfs.Bsize)
	}
	if fsInfo.Capacity > 0 {
		fsInfo.PctUsed = float64(fsInfo.Used*100) / float64(fsInfo.Capacity)
	}
	return fsInfo
}

func (mfs *MountedFS) updatePaths(available, disabled map[string]*Mountpath) {
	mfs.available.Store(&available)
	mfs.disabled.Store(&disabled)
}

// mountpathsCopy returns mutable shallow copies of both sets.
func (mfs *MountedFS) mountpathsCopy() (map[string]*Mountpath, map[string]*Mountpath) {
	available, disabled := mfs.Get()
	availableCopy := make(map[string]*Mountpath, len(available))
	disabledCopy := make(map[string]*Mountpath, len(disabled))
	for mpath, mp := range available {
		availableCopy[mpath] = mp
	}
	for mpath, mp := range disabled {
		disabledCopy[mpath] = mp
	}
	return availableCopy, disabledCopy
}

func fsTypeName(fsType int64) string {
	// the handful we expect to see in practice
	switch fsType {
	case 0x58465342:
		return "xfs"
	case 0xef53:
		return "ext4"
	case 0x01021994:
		return "tmpfs"
	case 0x9123683e:
		return "btrfs"
	case 0x6969:
		return "nfs"
	default:
		return fmt.Sprintf("fs-0x%x", fsType)
	}
}
