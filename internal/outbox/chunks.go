// Package outbox drives at-least-once delivery of queued messages and
// their attachments: chunk partitioning, retry backoff, server
// acknowledgement handling, and deletion with tombstone notifications.
package outbox

import (
	"fmt"

	"github.com/alexjbarnes/courier/internal/crypto"
)

const (
	// MaxChunkCount bounds how many chunks one attachment may have.
	MaxChunkCount = 100

	// ChunkCiphertextTypicalLength is the target ciphertext size of one
	// chunk: 2MB.
	ChunkCiphertextTypicalLength = 2097152

	// chunkCleartextTypicalLength is the cleartext that encrypts to the
	// typical ciphertext size.
	chunkCleartextTypicalLength = ChunkCiphertextTypicalLength - crypto.EncryptionOverhead
)

// Upload priorities. Fewer remaining chunks means the attachment is
// closer to done and its uploads are scheduled first.
const (
	MinUploadPriority = 1
	MaxUploadPriority = 10
)

// ChunkValue is the computed partition entry for one chunk.
type ChunkValue struct {
	Index            int
	CleartextLength  int64
	CiphertextLength int64
}

// ComputeChunkValues partitions an attachment of the given cleartext
// length into at most MaxChunkCount chunks, each targeting the typical
// chunk size. Three cases:
//
//  1. splitting into MaxChunkCount keeps every chunk at or above the
//     typical size: use exactly MaxChunkCount, shorter last chunk;
//  2. the whole attachment fits in one typical chunk: one chunk;
//  3. otherwise ceil(length/typical) chunks of the typical size, shorter
//     last chunk.
//
// The sum of the ciphertext lengths equals CiphertextLength(length)
// exactly.
func ComputeChunkValues(attachmentLength int64) ([]ChunkValue, error) {
	if attachmentLength < 1 {
		return nil, fmt.Errorf("invalid attachment length %d", attachmentLength)
	}

	var chunkLength int64

	switch {
	case (attachmentLength+MaxChunkCount-1)/MaxChunkCount >= chunkCleartextTypicalLength:
		chunkLength = (attachmentLength + MaxChunkCount - 1) / MaxChunkCount

	case attachmentLength <= chunkCleartextTypicalLength:
		chunkLength = attachmentLength

	default:
		chunkLength = chunkCleartextTypicalLength
	}

	count := (attachmentLength + chunkLength - 1) / chunkLength
	if count > MaxChunkCount {
		return nil, fmt.Errorf("attachment of %d bytes needs %d chunks, max %d", attachmentLength, count, MaxChunkCount)
	}

	chunks := make([]ChunkValue, 0, count)
	remaining := attachmentLength
	for i := int64(0); i < count; i++ {
		length := min(chunkLength, remaining)
		chunks = append(chunks, ChunkValue{
			Index:            int(i),
			CleartextLength:  length,
			CiphertextLength: crypto.EncryptedLength(length),
		})
		remaining -= length
	}

	return chunks, nil
}

// CiphertextLength returns the total ciphertext length of an attachment
// of the given cleartext length, accounting for per-chunk encryption
// overhead.
func CiphertextLength(attachmentLength int64) (int64, error) {
	chunks, err := ComputeChunkValues(attachmentLength)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, c := range chunks {
		total += c.CiphertextLength
	}

	return total, nil
}

// CleartextRange returns the byte offset and length of one chunk within
// the attachment cleartext.
func CleartextRange(chunks []ChunkValue, index int) (offset, length int64) {
	for i := 0; i < index; i++ {
		offset += chunks[i].CleartextLength
	}

	return offset, chunks[index].CleartextLength
}

// UploadPriority maps the number of outstanding chunks to a scheduling
// priority, linearly interpolated between the minimum and maximum levels
// across [1, MaxChunkCount]. Fewer remaining chunks means higher
// priority.
func UploadPriority(remainingChunks int) int {
	if remainingChunks <= 1 {
		return MaxUploadPriority
	}
	if remainingChunks >= MaxChunkCount {
		return MinUploadPriority
	}

	span := MaxUploadPriority - MinUploadPriority

	return MaxUploadPriority - (remainingChunks-1)*span/(MaxChunkCount-1)
}
