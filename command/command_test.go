package command

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/chunkah/chunkah/components"
	"github.com/chunkah/chunkah/pack"
	"github.com/chunkah/chunkah/tarlayer"
)

func TestCommand(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Command Suite")
}

var _ = Describe("parseCompression", func() {
	It("maps the three accepted values", func() {
		gzip, err := parseCompression("gzip")
		Expect(err).NotTo(HaveOccurred())
		Expect(gzip).To(Equal(tarlayer.Gzip))

		zstd, err := parseCompression("zstd")
		Expect(err).NotTo(HaveOccurred())
		Expect(zstd).To(Equal(tarlayer.Zstd))

		none, err := parseCompression("none")
		Expect(err).NotTo(HaveOccurred())
		Expect(none).To(Equal(tarlayer.None))
	})

	It("rejects anything else", func() {
		_, err := parseCompression("brotli")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("parseKeyValuePairs", func() {
	It("parses KEY=VALUE pairs into a map", func() {
		out, err := parseKeyValuePairs([]string{"a=1", "b=2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(map[string]string{"a": "1", "b": "2"}))
	})

	It("returns nil for an empty input", func() {
		out, err := parseKeyValuePairs(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeNil())
	})

	It("allows '=' inside the value", func() {
		out, err := parseKeyValuePairs([]string{"url=https://example.com?a=b"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out["url"]).To(Equal("https://example.com?a=b"))
	})

	It("rejects a pair missing '='", func() {
		_, err := parseKeyValuePairs([]string{"noequals"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a pair with an empty key", func() {
		_, err := parseKeyValuePairs([]string{"=value"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("parseBigfilesThreshold", func() {
	It("parses a human-readable size", func() {
		n, err := parseBigfilesThreshold("1MiB")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(uint64(1 << 20)))
	})

	It("rejects garbage", func() {
		_, err := parseBigfilesThreshold("not-a-size")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("newReportV1", func() {
	It("renders components in sorted order with their layer plan", func() {
		cm := components.ComponentMap{
			"rpm/b": {ID: "rpm/b", Paths: []string{"/b"}, ByteSize: 20, Sources: []string{"rpm"}},
			"rpm/a": {ID: "rpm/a", Paths: []string{"/a"}, ByteSize: 10, Sources: []string{"rpm"},
				Annotations: map[string]string{"org.chunkah.srpm-buildtime": "1700000000"}},
		}
		plan := pack.LayerPlan{Layers: []pack.Layer{
			{ComponentIDs: []string{"rpm/a"}, ByteSize: 10},
			{ComponentIDs: []string{"rpm/b"}, ByteSize: 20},
		}}

		report := newReportV1(cm, plan, []string{"warning: dropping socket /tmp/s: sockets have no tar representation"})

		Expect(report.Kind).To(Equal("chunkah.inspect/v1"))
		Expect(report.Components).To(HaveLen(2))
		Expect(report.Components[0].ID).To(Equal("rpm/a"))
		Expect(report.Components[0].Annotations).To(HaveKeyWithValue("org.chunkah.srpm-buildtime", "1700000000"))
		Expect(report.Components[1].ID).To(Equal("rpm/b"))
		Expect(report.Layers).To(HaveLen(2))
		Expect(report.Warnings).To(ConsistOf("warning: dropping socket /tmp/s: sockets have no tar representation"))
	})
})
