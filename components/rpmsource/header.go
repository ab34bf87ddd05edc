package rpmsource

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RPM header tags this package cares about. Values match the public RPM
// tag numbering (rpmtag.h). Only a handful are decoded: those needed to
// group files by SRPM and to record each package's build time, plus
// version, release and changelog times, which no caller reads.
const (
	tagName          = 1000
	tagVersion       = 1001
	tagRelease       = 1002
	tagBuildTime     = 1006
	tagSourceRPM     = 1044
	tagDirIndexes    = 1116
	tagBaseNames     = 1117
	tagDirNames      = 1118
	tagChangelogTime = 1080
)

// RPM header index/data types (rpmTagType_e).
const (
	typeChar       = 1
	typeInt8       = 2
	typeInt16      = 3
	typeInt32      = 4
	typeInt64      = 5
	typeString     = 6
	typeBin        = 7
	typeStringArray = 8
	typeI18NString  = 9
)

type indexEntry struct {
	tag    int32
	typ    int32
	offset int32
	count  int32
}

// header is the decoded subset of an RPM package header we need.
type header struct {
	name          string
	version       string
	release       string
	sourceRPM     string
	buildTime     uint64
	baseNames     []string
	dirIndexes    []int32
	dirNames      []string
	changelogTime []uint64
}

// parseHeader decodes the RPM binary header format: an 8-byte "immutable
// region" magic (0x8EADE801) plus entry/data-length counters, followed by
// `entryCount` 16-byte index entries and then a flat data store that the
// index entries' offsets point into.
//
// This is the on-disk/in-db format RPM itself uses (see rpm's lib/header.c);
// it is independent of however the header blob got into rpmdb.sqlite's
// `Packages` table.
func parseHeader(blob []byte) (*header, error) {
	if len(blob) < 16 {
		return nil, errors.New("header blob too short")
	}

	entryCount := int(binary.BigEndian.Uint32(blob[8:12]))
	dataLen := int(binary.BigEndian.Uint32(blob[12:16]))

	indexStart := 16
	indexEnd := indexStart + entryCount*16
	dataStart := indexEnd
	dataEnd := dataStart + dataLen

	if len(blob) < dataEnd {
		return nil, errors.Errorf("header blob truncated: want %d bytes, have %d", dataEnd, len(blob))
	}

	data := blob[dataStart:dataEnd]

	h := &header{}
	for i := 0; i < entryCount; i++ {
		raw := blob[indexStart+i*16 : indexStart+(i+1)*16]
		entry := indexEntry{
			tag:    int32(binary.BigEndian.Uint32(raw[0:4])),
			typ:    int32(binary.BigEndian.Uint32(raw[4:8])),
			offset: int32(binary.BigEndian.Uint32(raw[8:12])),
			count:  int32(binary.BigEndian.Uint32(raw[12:16])),
		}
		if err := h.apply(entry, data); err != nil {
			return nil, errors.Wrapf(err, "decoding tag %d", entry.tag)
		}
	}

	return h, nil
}

func (h *header) apply(entry indexEntry, data []byte) error {
	if int(entry.offset) < 0 || int(entry.offset) > len(data) {
		return errors.Errorf("offset %d out of range (data len %d)", entry.offset, len(data))
	}
	rest := data[entry.offset:]

	switch entry.tag {
	case tagName:
		h.name = readString(rest)
	case tagVersion:
		h.version = readString(rest)
	case tagRelease:
		h.release = readString(rest)
	case tagSourceRPM:
		h.sourceRPM = readString(rest)
	case tagBuildTime:
		if v, err := readInt32Array(rest, 1); err == nil && len(v) == 1 {
			h.buildTime = uint64(v[0])
		}
	case tagBaseNames:
		v, err := readStringArray(rest, int(entry.count))
		if err != nil {
			return err
		}
		h.baseNames = v
	case tagDirNames:
		v, err := readStringArray(rest, int(entry.count))
		if err != nil {
			return err
		}
		h.dirNames = v
	case tagDirIndexes:
		v, err := readInt32Array(rest, int(entry.count))
		if err != nil {
			return err
		}
		h.dirIndexes = v
	case tagChangelogTime:
		v, err := readInt32Array(rest, int(entry.count))
		if err != nil {
			return err
		}
		h.changelogTime = make([]uint64, len(v))
		for i, x := range v {
			h.changelogTime[i] = uint64(x)
		}
	}
	return nil
}

func readString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

func readStringArray(data []byte, count int) ([]string, error) {
	out := make([]string, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, errors.New("string array truncated")
		}
		s := readString(data[pos:])
		out = append(out, s)
		pos += len(s) + 1
	}
	return out, nil
}

func readInt32Array(data []byte, count int) ([]int32, error) {
	if len(data) < count*4 {
		return nil, errors.New("int32 array truncated")
	}
	out := make([]int32, count)
	for i := 0; i < count; i++ {
		out[i] = int32(binary.BigEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out, nil
}

// files reconstructs the absolute paths this header's package owns by
// joining each basename with its directory (looked up via dirIndexes into
// dirNames), matching RPM's own BaseNames/DirIndexes/DirNames scheme.
func (h *header) files() []string {
	paths := make([]string, 0, len(h.baseNames))
	for i, base := range h.baseNames {
		dir := ""
		if i < len(h.dirIndexes) {
			idx := int(h.dirIndexes[i])
			if idx >= 0 && idx < len(h.dirNames) {
				dir = h.dirNames[idx]
			}
		}
		paths = append(paths, normalizeRPMPath(dir+base))
	}
	return paths
}

func normalizeRPMPath(p string) string {
	if len(p) == 0 || p[0] != '/' {
		return "/" + p
	}
	return p
}
