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

// Package encoding turns payload values into compact strings suitable for
// storage inside a document map: JSON, zstd-compressed past a size threshold,
// wrapped in base64. Small payloads skip compression, the decoder sniffs the
// zstd magic bytes so both forms decode transparently.
package encoding

import (
	"bytes"
	"encoding/base64"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
)

var (
	// Global encoder/decoder pools.
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedFastest)) // Optimize for speed

			return encoder
		},
	}

	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)

			return decoder
		},
	}

	decompressBufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 32*1024))
		},
	}
)

func getDecompressBuffer() *bytes.Buffer {
	if buf, ok := decompressBufferPool.Get().(*bytes.Buffer); ok {
		return buf
	}

	return bytes.NewBuffer(make([]byte, 0, 32*1024))
}

func putDecompressBuffer(buf *bytes.Buffer) {
	if cap(buf.Bytes()) <= 1024*1024 { // Only reuse buffers up to 1MB
		buf.Reset()
		decompressBufferPool.Put(buf)
	}
}

// Compress zstd-compresses a message. Messages below the compression
// threshold are returned as a plain copy.
func Compress(message []byte) ([]byte, error) {
	if len(message) < constants.PayloadCompressionThreshold {
		result := make([]byte, len(message))
		copy(result, message)

		return result, nil
	}

	var encoder *zstd.Encoder
	if enc, ok := encoderPool.Get().(*zstd.Encoder); ok {
		encoder = enc
	} else {
		var err error

		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
	}
	defer encoderPool.Put(encoder)

	buffer := new(bytes.Buffer)
	buffer.Grow(len(message))

	encoder.Reset(buffer)

	_, err := encoder.Write(message)
	if err != nil {
		return nil, err
	}

	err = encoder.Close()
	if err != nil {
		return nil, err
	}

	// Copy out, the buffer goes back into reuse
	result := make([]byte, buffer.Len())
	copy(result, buffer.Bytes())

	return result, nil
}

// Decompress reverses Compress. Uncompressed input is returned as a plain copy.
func Decompress(message []byte) ([]byte, error) {
	if !isCompressed(message) {
		result := make([]byte, len(message))
		copy(result, message)

		return result, nil
	}

	var decoder *zstd.Decoder
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok {
		decoder = dec
	} else {
		var err error

		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(decoder)

	buffer := getDecompressBuffer()
	defer putDecompressBuffer(buffer)

	err := decoder.Reset(bytes.NewReader(message))
	if err != nil {
		return nil, err
	}

	_, err = io.Copy(buffer, decoder)
	if err != nil {
		return nil, err
	}

	result := make([]byte, buffer.Len())
	copy(result, buffer.Bytes())

	return result, nil
}

// isCompressed checks for zstd magic bytes (0x28 0xB5 0x2F 0xFD).
func isCompressed(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	magic := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24

	return magic == 0xFD2FB528
}

// EncodeBlob marshals a value and wraps it for document storage.
func EncodeBlob(val any) (string, error) {
	messageBytes, err := safejson.Marshal(val)
	if err != nil {
		return "", err
	}

	if len(messageBytes) >= constants.PayloadCompressionThreshold {
		compressed, err := Compress(messageBytes)
		if err != nil {
			return "", err
		}

		return base64.StdEncoding.EncodeToString(compressed), nil
	}

	return base64.StdEncoding.EncodeToString(messageBytes), nil
}

// DecodeBlob reverses EncodeBlob into the given value.
func DecodeBlob(blob string, decoded any) error {
	messageBytes, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return err
	}

	// Fast path: messages shorter than the 4 magic bytes cannot be compressed
	if len(messageBytes) < 4 || !isCompressed(messageBytes) {
		return safejson.Unmarshal(messageBytes, decoded)
	}

	decompressedMessage, err := Decompress(messageBytes)
	if err != nil {
		return err
	}

	return safejson.Unmarshal(decompressedMessage, decoded)
}
