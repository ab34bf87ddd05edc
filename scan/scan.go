// Package scan walks a rootfs directory into the model.PathMap that every
// other chunkah stage consumes read-only (spec §4.2).
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/chunkah/chunkah/model"
)

// Prune describes a single --prune option. If Children is true, only the
// contents of Path are excluded and the directory entry itself is kept
// (trailing slash in the original option string); otherwise Path and
// everything beneath it is excluded.
type Prune struct {
	Path     string
	Children bool
}

// Scanner walks a rootfs directory and produces a model.PathMap.
//
// Configured via a builder rather than a flat struct since there are
// several independent knobs.
type Scanner struct {
	root               string
	prunes             []Prune
	hashWorkers        int
	computeContentHash bool
}

// New creates a Scanner rooted at root.
func New(root string) *Scanner {
	return &Scanner{
		root:        root,
		hashWorkers: 1,
	}
}

// Prune adds a path exclusion rule.
func (s *Scanner) Prune(rules ...Prune) *Scanner {
	s.prunes = append(s.prunes, rules...)
	return s
}

// HashWorkers sets the size of the bounded worker pool used for lazy
// content hashing (spec §5); the default is 1 (no parallelism).
func (s *Scanner) HashWorkers(n int) *Scanner {
	if n > 0 {
		s.hashWorkers = n
	}
	return s
}

// ComputeContentHashes enables eager sha256 hashing of every regular file
// during the scan. Per spec §9 it plays no role in packing; the pipeline
// only ever consults it for reproducibility/debug logging, gated behind
// the --debug-content-hashes flag.
func (s *Scanner) ComputeContentHashes(enabled bool) *Scanner {
	s.computeContentHash = enabled
	return s
}

// Scan walks the rootfs and returns the resulting PathMap.
func (s *Scanner) Scan(ctx context.Context) (paths model.PathMap, err error) {
	paths = model.PathMap{}

	walkErr := filepath.WalkDir(s.root, func(fsPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.Wrapf(walkErr, "walking %s", fsPath)
		}

		relPath, err := relativize(s.root, fsPath)
		if err != nil {
			return err
		}
		if relPath == "/" {
			return nil // root itself is never emitted, matching scan.rs
		}

		if pruned, skipDir := s.isPruned(relPath); pruned {
			if skipDir && d.IsDir() {
				return filepath.SkipDir
			}
			if skipDir {
				return nil
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %s", relPath)
		}

		entry, ok, err := s.buildEntry(fsPath, relPath, info)
		if err != nil {
			return errors.Wrapf(err, "reading %s", relPath)
		}
		if !ok {
			return nil // buildEntry reports ok=false only together with an error
		}

		paths[relPath] = entry
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrap(walkErr, "failed to walk rootfs")
	}

	s.assignHardlinkGroups(paths)

	if s.computeContentHash {
		if err := s.hashContents(ctx, paths); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// relativize turns an absolute filesystem path rooted at s.root into a
// chunkah model path rooted at "/".
func relativize(root, fsPath string) (string, error) {
	rel, err := filepath.Rel(root, fsPath)
	if err != nil {
		return "", errors.Wrapf(err, "computing relative path for %s", fsPath)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

func (s *Scanner) isPruned(path string) (pruned bool, isDirRule bool) {
	for _, p := range s.prunes {
		if p.Children {
			if path == p.Path {
				// the directory itself is kept; only its contents go away.
				return false, false
			}
			if strings.HasPrefix(path, p.Path+"/") {
				return true, false
			}
			continue
		}
		if path == p.Path || strings.HasPrefix(path, p.Path+"/") {
			return true, true
		}
	}
	return false, false
}

func (s *Scanner) buildEntry(
	fsPath, relPath string, info os.FileInfo,
) (entry model.Entry, ok bool, err error) {
	raw, isRaw := info.Sys().(*syscall.Stat_t)
	if !isRaw {
		return model.Entry{}, false, errors.New("unsupported platform: no syscall.Stat_t available")
	}

	ft, supported := classify(info.Mode())
	if !supported {
		return model.Entry{}, false, errors.Errorf("unrecognized file type: %s", relPath)
	}

	entry = model.Entry{
		Type:   ft,
		Mode:   uint32(info.Mode().Perm()) | setidBits(info.Mode()),
		Uid:    raw.Uid,
		Gid:    raw.Gid,
		Mtime:  uint64(info.ModTime().Unix()),
		Device: uint64(raw.Dev),
		Inode:  raw.Ino,
		Nlink:  uint64(raw.Nlink),
	}

	switch ft {
	case model.Regular:
		entry.Size = uint64(info.Size())
	case model.Symlink:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return model.Entry{}, false, errors.Wrapf(err, "reading symlink target for %s", relPath)
		}
		entry.LinkTarget = target
	case model.CharDevice, model.BlockDevice:
		entry.Rdev = uint64(raw.Rdev)
	}

	xattrs, err := readXattrs(fsPath, ft == model.Symlink)
	if err != nil {
		return model.Entry{}, false, errors.Wrapf(err, "reading xattrs for %s", relPath)
	}
	entry.Xattrs = xattrs

	return entry, true, nil
}

// assignHardlinkGroups walks every (device, inode) bucket and assigns the
// lexicographically-first path in the bucket as the canonical group id
// (spec §3 "stable identifier", §4.2 "well-defined first member").
func (s *Scanner) assignHardlinkGroups(paths model.PathMap) {
	type key struct {
		device uint64
		inode  uint64
	}
	members := map[key][]string{}
	for path, entry := range paths {
		if entry.Nlink <= 1 {
			continue
		}
		if entry.Type != model.Regular && entry.Type != model.Symlink {
			continue
		}
		k := key{entry.Device, entry.Inode}
		members[k] = append(members[k], path)
	}

	for _, group := range members {
		if len(group) < 2 {
			continue
		}
		sort.Strings(group)
		first := group[0]
		for _, path := range group {
			entry := paths[path]
			entry.HardlinkGroup = first
			paths[path] = entry
		}
	}
}

func (s *Scanner) hashContents(ctx context.Context, paths model.PathMap) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.hashWorkers)

	results := make(chan struct {
		path string
		sum  string
	}, len(paths))

	for path, entry := range paths {
		if entry.Type != model.Regular {
			continue
		}
		path := path
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			sum, err := hashFile(filepath.Join(s.root, path))
			if err != nil {
				return errors.Wrapf(err, "hashing %s", path)
			}
			results <- struct {
				path string
				sum  string
			}{path, sum}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	close(results)

	for r := range results {
		entry := paths[r.path]
		entry.ContentHash = r.sum
		paths[r.path] = entry
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func classify(mode os.FileMode) (model.FileType, bool) {
	switch {
	case mode.IsRegular():
		return model.Regular, true
	case mode.IsDir():
		return model.Directory, true
	case mode&os.ModeSymlink != 0:
		return model.Symlink, true
	case mode&os.ModeNamedPipe != 0:
		return model.Fifo, true
	case mode&os.ModeSocket != 0:
		return model.Socket, true
	case mode&os.ModeCharDevice != 0:
		return model.CharDevice, true
	case mode&os.ModeDevice != 0:
		return model.BlockDevice, true
	default:
		return model.Regular, false
	}
}

func setidBits(mode os.FileMode) uint32 {
	var bits uint32
	if mode&os.ModeSetuid != 0 {
		bits |= syscall.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		bits |= syscall.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		bits |= syscall.S_ISVTX
	}
	return bits
}

// readXattrs lists and reads every xattr for path, skipping
// security.selinux: every file carries one, supplied by the container
// runtime rather than the tar layer, and it would only bloat images.
func readXattrs(path string, isSymlink bool) ([]model.Xattr, error) {
	list, err := listXattrs(path, isSymlink)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing xattrs for %s", path)
	}

	var xattrs []model.Xattr
	for _, name := range list {
		if name == "security.selinux" {
			continue
		}
		value, err := getXattr(path, name, isSymlink)
		if err != nil {
			return nil, errors.Wrapf(err, "reading xattr %s for %s", name, path)
		}
		xattrs = append(xattrs, model.Xattr{Name: name, Value: value})
	}
	return xattrs, nil
}

func listXattrs(path string, isSymlink bool) ([]string, error) {
	listFn := unix.Listxattr
	if isSymlink {
		listFn = unix.Llistxattr
	}

	size, err := listFn(path, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := listFn(path, buf)
	if err != nil {
		return nil, err
	}
	return splitXattrNames(buf[:n]), nil
}

func getXattr(path, name string, isSymlink bool) ([]byte, error) {
	getFn := unix.Getxattr
	if isSymlink {
		getFn = unix.Lgetxattr
	}

	size, err := getFn(path, name, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := getFn(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// FormatWarning renders a non-fatal diagnostic (the pipeline passes it
// resolution, packing and layer-writing warnings) the way spec §7
// expects: a short lowercase gerund naming the failing operation.
func FormatWarning(op, path string, cause error) string {
	return "warning: " + op + " " + path + ": " + cause.Error()
}

// ParsePrune parses a --prune option value into a Prune rule. A trailing
// slash means only the directory's contents are excluded (spec §6).
func ParsePrune(value string) Prune {
	if strings.HasSuffix(value, "/") && len(value) > 1 {
		return Prune{Path: strings.TrimSuffix(value, "/"), Children: true}
	}
	return Prune{Path: value}
}

// DeviceInodeKey renders a stable debug string for a (device, inode)
// pair; pipeline.Resolve logs it beside each content hash when content
// hashing is enabled.
func DeviceInodeKey(device, inode uint64) string {
	return strconv.FormatUint(device, 10) + ":" + strconv.FormatUint(inode, 10)
}
