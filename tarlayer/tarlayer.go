// Package tarlayer writes a single OCI layer tar stream for a set of
// paths, deterministically: lexicographic order, parent directories
// synthesized ahead of their children, hardlink members emitted as tar
// Link entries, and xattrs round-tripped as pax SCHILY.xattr records
// (spec §4.6, grounded on original_source/src/tar.rs's write_files_to_tar).
package tarlayer

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/chunkah/chunkah/model"
)

// Warning is a non-fatal diagnostic raised while writing a layer, e.g. a
// socket entry dropped because tar has no representation for it.
type Warning struct {
	Op     string
	Path   string
	Detail string
}

// Compression selects the layer's on-wire encoding.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// MediaTypeSuffix returns the OCI media type suffix for c ("", "+gzip" or
// "+zstd"), to be appended to "application/vnd.oci.image.layer.v1.tar".
func (c Compression) MediaTypeSuffix() string {
	switch c {
	case Gzip:
		return "+gzip"
	case Zstd:
		return "+zstd"
	default:
		return ""
	}
}

// Write streams a tar layer containing every path in members (plus any
// ancestor directories needed to make the tree well-formed) to w, reading
// file content and synthesizing missing ancestor metadata from root.
// epoch clamps every entry's mtime (spec §4.1 "single epoch").
//
// skipSpecialFiles drops fifos from the stream instead of emitting them as
// tar.TypeFifo entries; device nodes are always kept regardless. Sockets
// have no tar representation and are always dropped, skipSpecialFiles or
// not; each drop is reported as a Warning (spec §4.1).
func Write(w io.Writer, root string, paths model.PathMap, members []string, compression Compression, epoch uint64, skipSpecialFiles bool) ([]Warning, error) {
	var cw io.WriteCloser
	switch compression {
	case Gzip:
		cw = gzip.NewWriter(w)
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd writer")
		}
		cw = zw
	default:
		cw = nopCloser{w}
	}

	tw := tar.NewWriter(cw)

	warnings, err := writeMembers(tw, root, paths, members, epoch, skipSpecialFiles)
	if err != nil {
		_ = tw.Close()
		_ = cw.Close()
		return warnings, err
	}

	if err := tw.Close(); err != nil {
		_ = cw.Close()
		return warnings, errors.Wrap(err, "closing tar writer")
	}
	if err := cw.Close(); err != nil {
		return warnings, errors.Wrap(err, "closing layer writer")
	}
	return warnings, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// writeMembers implements the stack-based ancestor-directory synthesis
// from original_source/src/tar.rs: members is iterated in sorted order,
// and for each path every not-yet-written ancestor directory is emitted
// first, reusing dirStack across iterations since the input is sorted.
func writeMembers(tw *tar.Writer, root string, paths model.PathMap, members []string, epoch uint64, skipSpecialFiles bool) ([]Warning, error) {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	var dirStack []string
	var warnings []Warning
	firstWritten := map[string]string{} // hardlink group -> first path written

	isProperAncestor := func(dir, path string) bool {
		return strings.HasPrefix(path, dir+"/")
	}

	// writeAncestors synthesizes every not-yet-written ancestor directory
	// of path, reusing dirStack across calls since the caller iterates
	// paths in sorted order (original_source/src/tar.rs write_files_to_tar).
	writeAncestors := func(path string) error {
		for len(dirStack) > 0 && !isProperAncestor(dirStack[len(dirStack)-1], path) {
			dirStack = dirStack[:len(dirStack)-1]
		}

		var need []string
		for _, a := range model.Ancestors(path) {
			if len(dirStack) > 0 && a == dirStack[len(dirStack)-1] {
				break
			}
			need = append(need, a)
		}
		for i := len(need) - 1; i >= 0; i-- {
			dir := need[i]
			entry, ok := paths[dir]
			if !ok {
				var err error
				entry, err = statAncestor(root, dir)
				if err != nil {
					return errors.Wrapf(err, "getting metadata for %s", dir)
				}
			}
			if err := writeDirEntry(tw, dir, entry, epoch); err != nil {
				return errors.Wrapf(err, "writing parent directory %s", dir)
			}
			dirStack = append(dirStack, dir)
		}
		return nil
	}

	for _, path := range sorted {
		entry, ok := paths[path]
		if !ok {
			continue
		}

		if err := writeAncestors(path); err != nil {
			return warnings, err
		}

		if entry.Type != model.Directory && entry.Nlink > 1 && entry.HardlinkGroup != "" {
			if first, seen := firstWritten[entry.HardlinkGroup]; seen && first != path {
				if err := writeHardlinkEntry(tw, path, first, entry, epoch); err != nil {
					return warnings, errors.Wrapf(err, "appending hardlink %s -> %s", path, first)
				}
				continue
			}
			firstWritten[entry.HardlinkGroup] = path
		}

		switch entry.Type {
		case model.Directory:
			if err := writeDirEntry(tw, path, entry, epoch); err != nil {
				return warnings, errors.Wrapf(err, "writing directory %s", path)
			}
			dirStack = append(dirStack, path)
		case model.Regular:
			if err := writeFileEntry(tw, root, path, entry, epoch); err != nil {
				return warnings, errors.Wrapf(err, "appending file %s", path)
			}
		case model.Symlink:
			if err := writeSymlinkEntry(tw, path, entry, epoch); err != nil {
				return warnings, errors.Wrapf(err, "appending symlink %s", path)
			}
		case model.Fifo:
			if skipSpecialFiles {
				continue
			}
			if err := writeFifoEntry(tw, path, entry, epoch); err != nil {
				return warnings, errors.Wrapf(err, "appending fifo %s", path)
			}
		case model.CharDevice, model.BlockDevice:
			if err := writeDeviceEntry(tw, path, entry, epoch); err != nil {
				return warnings, errors.Wrapf(err, "appending device node %s", path)
			}
		case model.Socket:
			// Sockets have no tar representation; always dropped,
			// skipSpecialFiles or not.
			warnings = append(warnings, Warning{
				Op:     "dropping socket",
				Path:   path,
				Detail: "sockets have no tar representation",
			})
		default:
			return warnings, errors.Errorf("unsupported entry type for %s in layer stream", path)
		}
	}

	return warnings, nil
}

func statAncestor(root, path string) (model.Entry, error) {
	fsPath := filepath.Join(root, path)
	info, err := os.Lstat(fsPath)
	if err != nil {
		return model.Entry{}, err
	}
	return model.Entry{
		Type: model.Directory,
		Mode: uint32(info.Mode().Perm()),
	}, nil
}

func relName(path string) string {
	return strings.TrimPrefix(path, "/")
}

func unixTime(sec uint64) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

func baseHeader(entry model.Entry, epoch uint64) *tar.Header {
	mtime := entry.Mtime
	if mtime > epoch {
		mtime = epoch
	}
	h := &tar.Header{
		Uid:     int(entry.Uid),
		Gid:     int(entry.Gid),
		ModTime: unixTime(mtime),
	}
	return h
}

func writeXattrs(h *tar.Header, entry model.Entry) {
	if len(entry.Xattrs) == 0 {
		return
	}
	h.PAXRecords = map[string]string{}
	for _, x := range entry.Xattrs {
		h.PAXRecords["SCHILY.xattr."+x.Name] = string(x.Value)
	}
}

func writeDirEntry(tw *tar.Writer, path string, entry model.Entry, epoch uint64) error {
	h := baseHeader(entry, epoch)
	h.Typeflag = tar.TypeDir
	h.Name = relName(path) + "/"
	h.Mode = int64(entry.Mode)
	writeXattrs(h, entry)
	return tw.WriteHeader(h)
}

func writeFileEntry(tw *tar.Writer, root, path string, entry model.Entry, epoch uint64) error {
	f, err := os.Open(filepath.Join(root, path))
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	defer f.Close()

	h := baseHeader(entry, epoch)
	h.Typeflag = tar.TypeReg
	h.Name = relName(path)
	h.Mode = int64(entry.Mode)
	h.Size = int64(entry.Size)
	writeXattrs(h, entry)

	if err := tw.WriteHeader(h); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func writeSymlinkEntry(tw *tar.Writer, path string, entry model.Entry, epoch uint64) error {
	h := baseHeader(entry, epoch)
	h.Typeflag = tar.TypeSymlink
	h.Name = relName(path)
	h.Linkname = entry.LinkTarget
	h.Mode = int64(entry.Mode)
	writeXattrs(h, entry)
	return tw.WriteHeader(h)
}

func writeFifoEntry(tw *tar.Writer, path string, entry model.Entry, epoch uint64) error {
	h := baseHeader(entry, epoch)
	h.Typeflag = tar.TypeFifo
	h.Name = relName(path)
	h.Mode = int64(entry.Mode)
	writeXattrs(h, entry)
	return tw.WriteHeader(h)
}

// writeDeviceEntry emits a character or block device node, deriving the
// tar header's Devmajor/Devminor from the raw rdev the scanner captured.
func writeDeviceEntry(tw *tar.Writer, path string, entry model.Entry, epoch uint64) error {
	h := baseHeader(entry, epoch)
	if entry.Type == model.CharDevice {
		h.Typeflag = tar.TypeChar
	} else {
		h.Typeflag = tar.TypeBlock
	}
	h.Name = relName(path)
	h.Mode = int64(entry.Mode)
	h.Devmajor = int64(unix.Major(entry.Rdev))
	h.Devminor = int64(unix.Minor(entry.Rdev))
	writeXattrs(h, entry)
	return tw.WriteHeader(h)
}

// writeHardlinkEntry emits a non-first hardlink group member as a tar Link
// entry pointing at the first member, matching GNU tar/Python tarfile
// convention of masking out file-type bits from the stored mode
// (original_source/src/tar.rs write_hardlink_entry).
func writeHardlinkEntry(tw *tar.Writer, path, firstPath string, entry model.Entry, epoch uint64) error {
	h := baseHeader(entry, epoch)
	h.Typeflag = tar.TypeLink
	h.Name = relName(path)
	h.Linkname = relName(firstPath)
	h.Mode = int64(entry.Mode) & 0o7777
	return tw.WriteHeader(h)
}
