// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoding_test

import (
	"encoding/base64"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/encoding"
)

type testBlob struct {
	Title string   `json:"title"`
	Cells []string `json:"cells"`
}

var _ = Describe("Blob codec", func() {
	Context("small payloads", func() {
		It("round-trips without compression", func() {
			original := testBlob{Title: "daily", Cells: []string{"A", "B", "C"}}

			blob, err := encoding.EncodeBlob(original)
			Expect(err).ToNot(HaveOccurred())
			Expect(blob).ToNot(BeEmpty())

			// Below the threshold the wire form is plain base64 JSON
			raw, err := base64.StdEncoding.DecodeString(blob)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`"title":"daily"`))

			var decoded testBlob
			Expect(encoding.DecodeBlob(blob, &decoded)).To(Succeed())
			Expect(decoded).To(Equal(original))
		})
	})

	Context("large payloads", func() {
		It("compresses past the threshold and still round-trips", func() {
			original := testBlob{
				Title: "sunday special",
				Cells: make([]string, 0, 2048),
			}
			for range 2048 {
				original.Cells = append(original.Cells, strings.Repeat("#", 8))
			}

			blob, err := encoding.EncodeBlob(original)
			Expect(err).ToNot(HaveOccurred())

			raw, err := base64.StdEncoding.DecodeString(blob)
			Expect(err).ToNot(HaveOccurred())
			// zstd magic bytes prove the compressed path was taken
			Expect(raw[0]).To(Equal(byte(0x28)))
			Expect(raw[1]).To(Equal(byte(0xB5)))

			// Highly repetitive input must actually shrink
			Expect(len(blob)).To(BeNumerically("<", 2048*8))

			var decoded testBlob
			Expect(encoding.DecodeBlob(blob, &decoded)).To(Succeed())
			Expect(decoded).To(Equal(original))
		})
	})

	Context("invalid input", func() {
		It("rejects blobs that are not base64", func() {
			var decoded testBlob
			Expect(encoding.DecodeBlob("not/base64!!", &decoded)).ToNot(Succeed())
		})

		It("rejects blobs that decode to garbage", func() {
			garbage := base64.StdEncoding.EncodeToString([]byte("{truncated"))

			var decoded testBlob
			Expect(encoding.DecodeBlob(garbage, &decoded)).ToNot(Succeed())
		})
	})

	Context("Compress / Decompress", func() {
		It("is transparent for data below the threshold", func() {
			small := []byte("tiny")

			compressed, err := encoding.Compress(small)
			Expect(err).ToNot(HaveOccurred())
			Expect(compressed).To(Equal(small))

			restored, err := encoding.Decompress(compressed)
			Expect(err).ToNot(HaveOccurred())
			Expect(restored).To(Equal(small))
		})

		It("round-trips data above the threshold", func() {
			large := []byte(strings.Repeat("gridsync ", 1024))

			compressed, err := encoding.Compress(large)
			Expect(err).ToNot(HaveOccurred())
			Expect(len(compressed)).To(BeNumerically("<", len(large)))

			restored, err := encoding.Decompress(compressed)
			Expect(err).ToNot(HaveOccurred())
			Expect(restored).To(Equal(large))
		})
	})
})
