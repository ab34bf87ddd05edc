package rpmsource

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestRPMSource(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rpmsource Suite")
}

var _ = Describe("parseSRPMName", func() {
	It("extracts the package name from a full SRPM filename", func() {
		Expect(parseSRPMName("bash-5.2.15-5.fc40.src.rpm")).To(Equal("bash"))
	})

	It("handles multi-dash package names", func() {
		Expect(parseSRPMName("glibc-common-2.39-5.fc40.src.rpm")).To(Equal("glibc-common"))
	})

	It("falls back to the whole string when it can't find two dashes", func() {
		Expect(parseSRPMName("nodash.src.rpm")).To(Equal("nodash"))
	})
})

var _ = Describe("isExcluded", func() {
	It("excludes the rpm database's own locations", func() {
		Expect(isExcluded("/usr/lib/sysimage/rpm/rpmdb.sqlite")).To(BeTrue())
		Expect(isExcluded("/var/lib/rpm/Packages")).To(BeTrue())
	})

	It("does not exclude ordinary paths", func() {
		Expect(isExcluded("/usr/bin/bash")).To(BeFalse())
	})
})

var _ = Describe("Source.Annotate", func() {
	It("reports the owning SRPM's build time", func() {
		src := &Source{buildTimes: map[string]uint64{"bash": 1700000000}}
		key, value, ok := src.Annotate("/usr/bin/bash", "bash")
		Expect(ok).To(BeTrue())
		Expect(key).To(Equal(buildTimeAnnotation))
		Expect(value).To(Equal("1700000000"))
	})

	It("reports nothing for a package with no recorded build time", func() {
		src := &Source{buildTimes: map[string]uint64{}}
		_, _, ok := src.Annotate("/usr/bin/bash", "bash")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("parseHeader", func() {
	It("decodes name, sourcerpm, and file lists from a hand-built header blob", func() {
		blob := buildTestHeader(t2HeaderFixture{
			name:      "bash",
			sourceRPM: "bash-5.2.15-5.fc40.src.rpm",
			dirNames:  []string{"/usr/bin/", "/usr/share/doc/bash/"},
			entries: []t2FileFixture{
				{dirIndex: 0, base: "bash"},
				{dirIndex: 1, base: "README"},
			},
		})

		h, err := parseHeader(blob)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.name).To(Equal("bash"))
		Expect(h.sourceRPM).To(Equal("bash-5.2.15-5.fc40.src.rpm"))
		Expect(h.files()).To(ConsistOf("/usr/bin/bash", "/usr/share/doc/bash/README"))
	})

	It("rejects a blob too short to contain a header", func() {
		_, err := parseHeader([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})
})

// --- test-only header blob builder, encoding the same layout parseHeader
// decodes: 16-byte preamble, N 16-byte index entries, then a flat data
// store. Lets the parser be exercised without a real rpmdb.sqlite fixture.

type t2FileFixture struct {
	dirIndex int32
	base     string
}

type t2HeaderFixture struct {
	name      string
	sourceRPM string
	dirNames  []string
	entries   []t2FileFixture
}

func buildTestHeader(f t2HeaderFixture) []byte {
	var data []byte
	var indexEntries []indexEntry

	appendString := func(tag int32, s string) {
		offset := int32(len(data))
		data = append(data, []byte(s)...)
		data = append(data, 0)
		indexEntries = append(indexEntries, indexEntry{tag: tag, typ: typeString, offset: offset, count: 1})
	}

	appendStringArray := func(tag int32, values []string) {
		offset := int32(len(data))
		for _, v := range values {
			data = append(data, []byte(v)...)
			data = append(data, 0)
		}
		indexEntries = append(indexEntries, indexEntry{tag: tag, typ: typeStringArray, offset: offset, count: int32(len(values))})
	}

	appendInt32Array := func(tag int32, values []int32) {
		offset := int32(len(data))
		for _, v := range values {
			data = append(data, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
		indexEntries = append(indexEntries, indexEntry{tag: tag, typ: typeInt32, offset: offset, count: int32(len(values))})
	}

	appendString(tagName, f.name)
	appendString(tagSourceRPM, f.sourceRPM)

	baseNames := make([]string, len(f.entries))
	dirIndexes := make([]int32, len(f.entries))
	for i, e := range f.entries {
		baseNames[i] = e.base
		dirIndexes[i] = e.dirIndex
	}
	appendStringArray(tagBaseNames, baseNames)
	appendStringArray(tagDirNames, f.dirNames)
	appendInt32Array(tagDirIndexes, dirIndexes)

	out := make([]byte, 16)
	putU32 := func(v uint32) []byte {
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	copy(out[8:12], putU32(uint32(len(indexEntries))))
	copy(out[12:16], putU32(uint32(len(data))))

	for _, e := range indexEntries {
		out = append(out, putU32(uint32(e.tag))...)
		out = append(out, putU32(uint32(e.typ))...)
		out = append(out, putU32(uint32(e.offset))...)
		out = append(out, putU32(uint32(e.count))...)
	}
	out = append(out, data...)

	return out
}
