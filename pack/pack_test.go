package pack_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/pack"
)

func TestPack(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pack Suite")
}

func comp(id string, size uint64) *components.Component {
	return &components.Component{ID: id, ByteSize: size}
}

func totalSize(l pack.Layer) uint64 { return l.ByteSize }

var _ = Describe("Pack", func() {

	It("rejects max-layers of 0", func() {
		_, _, err := pack.Pack(components.ComponentMap{}, 0)
		Expect(err).To(HaveOccurred())
	})

	It("returns an empty plan for an empty component map", func() {
		plan, warnings, err := pack.Pack(components.ComponentMap{}, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings).To(BeEmpty())
		Expect(plan.Layers).To(BeEmpty())
	})

	It("gives each component its own layer when M <= budget", func() {
		cm := components.ComponentMap{
			"rpm/a": comp("rpm/a", 300),
			"rpm/b": comp("rpm/b", 100),
			"rpm/c": comp("rpm/c", 200),
		}
		plan, _, err := pack.Pack(cm, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Layers).To(HaveLen(3))
		for _, l := range plan.Layers {
			Expect(l.ComponentIDs).To(HaveLen(1))
		}
	})

	It("collapses everything into a single layer when max-layers is 1", func() {
		cm := components.ComponentMap{
			"rpm/a":                     comp("rpm/a", 300),
			"rpm/b":                     comp("rpm/b", 100),
			components.UnclaimedComponent: comp(components.UnclaimedComponent, 50),
		}
		plan, _, err := pack.Pack(cm, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Layers).To(HaveLen(1))
		Expect(plan.Layers[0].ComponentIDs).To(ConsistOf("rpm/a", "rpm/b", components.UnclaimedComponent))
		Expect(plan.Layers[0].ByteSize).To(Equal(uint64(450)))
	})

	It("reserves a dedicated layer for chunkah/unclaimed", func() {
		cm := components.ComponentMap{
			"rpm/a":                       comp("rpm/a", 300),
			"rpm/b":                       comp("rpm/b", 100),
			components.UnclaimedComponent: comp(components.UnclaimedComponent, 50),
		}
		plan, _, err := pack.Pack(cm, 2)
		Expect(err).NotTo(HaveOccurred())

		var sawUnclaimedAlone bool
		for _, l := range plan.Layers {
			if len(l.ComponentIDs) == 1 && l.ComponentIDs[0] == components.UnclaimedComponent {
				sawUnclaimedAlone = true
			}
		}
		Expect(sawUnclaimedAlone).To(BeTrue())
	})

	It("warns when the unclaimed layer exceeds the soft bound but does not split it", func() {
		cm := components.ComponentMap{
			components.UnclaimedComponent: comp(components.UnclaimedComponent, pack.UnclaimedSoftBoundBytes+1),
		}
		plan, warnings, err := pack.Pack(cm, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Layers).To(HaveLen(1))
		Expect(warnings).To(HaveLen(1))
	})

	It("bin-packs by Longest-Processing-Time when M > budget", func() {
		cm := components.ComponentMap{}
		sizes := []uint64{100, 90, 80, 70, 60, 50}
		for i, s := range sizes {
			id := fmt.Sprintf("rpm/c%d", i)
			cm[id] = comp(id, s)
		}
		plan, _, err := pack.Pack(cm, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Layers).To(HaveLen(3))

		var total uint64
		for _, s := range sizes {
			total += s
		}
		var packed uint64
		for _, l := range plan.Layers {
			packed += totalSize(l)
		}
		Expect(packed).To(Equal(total))
	})

	It("never increases the largest layer size when max-layers increases (monotonicity)", func() {
		cm := components.ComponentMap{}
		sizes := []uint64{500, 400, 300, 200, 100, 90, 80, 70}
		for i, s := range sizes {
			id := fmt.Sprintf("rpm/c%d", i)
			cm[id] = comp(id, s)
		}

		planFew, _, err := pack.Pack(cm, 3)
		Expect(err).NotTo(HaveOccurred())
		planMore, _, err := pack.Pack(cm, 6)
		Expect(err).NotTo(HaveOccurred())

		maxOf := func(p pack.LayerPlan) uint64 {
			var max uint64
			for _, l := range p.Layers {
				if l.ByteSize > max {
					max = l.ByteSize
				}
			}
			return max
		}
		Expect(maxOf(planMore)).To(BeNumerically("<=", maxOf(planFew)))
	})

	It("orders layers deterministically by primary component id", func() {
		cm := components.ComponentMap{
			"rpm/zzz": comp("rpm/zzz", 10),
			"rpm/aaa": comp("rpm/aaa", 10),
		}
		plan, _, err := pack.Pack(cm, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Layers[0].ComponentIDs[0]).To(Equal("rpm/aaa"))
		Expect(plan.Layers[1].ComponentIDs[0]).To(Equal("rpm/zzz"))
	})
})
