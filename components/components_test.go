package components_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/model"
)

func TestComponents(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Components Suite")
}

// fixedSource claims every path in its set, unconditionally.
type fixedSource struct {
	name     string
	priority int
	claims   map[string]string
}

func (f fixedSource) Name() string  { return f.name }
func (f fixedSource) Priority() int { return f.priority }
func (f fixedSource) Claim(path string, _ model.Entry) (string, bool) {
	name, ok := f.claims[path]
	return name, ok
}

// annotatingSource additionally contributes a fixed annotation to every
// component it claims, exercising the optional Annotator capability.
type annotatingSource struct {
	fixedSource
	key, value string
}

func (a annotatingSource) Annotate(_ string, _ string) (string, string, bool) {
	return a.key, a.value, true
}

var _ = Describe("Registry", func() {

	Describe("Resolve", func() {

		It("prefers the lower-priority source on conflicting claims", func() {
			paths := model.PathMap{
				"/usr/bin/bash": {Type: model.Regular, Size: 10},
			}
			high := fixedSource{name: "xattr", priority: 0, claims: map[string]string{"/usr/bin/bash": "override"}}
			low := fixedSource{name: "rpm", priority: 10, claims: map[string]string{"/usr/bin/bash": "bash"}}

			registry := components.NewRegistry(low, high)
			resolved, warnings := registry.Resolve(paths)

			Expect(warnings).To(BeEmpty())
			Expect(resolved).To(HaveKey("xattr/override"))
			Expect(resolved).NotTo(HaveKey("rpm/bash"))
		})

		It("falls paths unclaimed by any source into chunkah/unclaimed", func() {
			paths := model.PathMap{"/opt/data": {Type: model.Regular, Size: 5}}
			registry := components.NewRegistry()
			resolved, _ := registry.Resolve(paths)

			Expect(resolved).To(HaveKey(components.UnclaimedComponent))
			Expect(resolved[components.UnclaimedComponent].Paths).To(ContainElement("/opt/data"))
		})

		It("sums regular file sizes but not directories or symlinks", func() {
			paths := model.PathMap{
				"/a":      {Type: model.Directory},
				"/a/file": {Type: model.Regular, Size: 100},
				"/a/link": {Type: model.Symlink},
			}
			registry := components.NewRegistry()
			resolved, _ := registry.Resolve(paths)

			Expect(resolved[components.UnclaimedComponent].ByteSize).To(Equal(uint64(100)))
		})

		It("attributes a hardlink group's size once, to the first member's component", func() {
			paths := model.PathMap{
				"/file1": {Type: model.Regular, Size: 50, HardlinkGroup: "/file1"},
				"/file2": {Type: model.Regular, Size: 50, HardlinkGroup: "/file1"},
			}
			src := fixedSource{name: "xattr", priority: 0, claims: map[string]string{
				"/file1": "a",
				"/file2": "b",
			}}
			registry := components.NewRegistry(src)
			resolved, warnings := registry.Resolve(paths)

			Expect(warnings).To(HaveLen(1))
			Expect(resolved).To(HaveKey("xattr/a"))
			Expect(resolved).NotTo(HaveKey("xattr/b"))
			Expect(resolved["xattr/a"].ByteSize).To(Equal(uint64(50)))
			Expect(resolved["xattr/a"].Paths).To(ConsistOf("/file1", "/file2"))
		})

		It("carries an Annotator source's metadata onto the claimed component", func() {
			paths := model.PathMap{"/usr/bin/bash": {Type: model.Regular, Size: 10}}
			src := annotatingSource{
				fixedSource: fixedSource{name: "rpm", priority: 10, claims: map[string]string{"/usr/bin/bash": "bash"}},
				key:         "org.chunkah.srpm-buildtime",
				value:       "1700000000",
			}
			registry := components.NewRegistry(src)
			resolved, _ := registry.Resolve(paths)

			Expect(resolved["rpm/bash"].Annotations).To(HaveKeyWithValue("org.chunkah.srpm-buildtime", "1700000000"))
		})
	})
})
