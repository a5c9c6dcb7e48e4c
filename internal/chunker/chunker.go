// Package chunker splits file bytes into ordered, size-bounded chunks
// and reassembles them. It has no state and does no I/O.
package chunker

import (
	"fmt"

	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Chunk size tiers by total file size.
const (
	SmallChunkSize  = 16 * KiB  // <= 100 KiB
	MediumChunkSize = 64 * KiB  // <= 1 MiB
	LargeChunkSize  = 128 * KiB // <= 10 MiB
	HugeChunkSize   = 256 * KiB // > 10 MiB
)

// ChunkSizeFor picks the sender's chunk size tier for a file. The tier
// is fixed for the whole transfer.
func ChunkSizeFor(fileSize int64) int {
	switch {
	case fileSize <= 100*KiB:
		return SmallChunkSize
	case fileSize <= 1*MiB:
		return MediumChunkSize
	case fileSize <= 10*MiB:
		return LargeChunkSize
	default:
		return HugeChunkSize
	}
}

// Chunk is one size-bounded slice of a file. Data aliases the source
// buffer; callers must not mutate it.
type Chunk struct {
	Index int
	Size  int
	Last  bool
	Data  []byte
}

// TotalChunks returns ceil(size/chunkSize). A zero-byte file still
// occupies one (empty) chunk so that a transfer of it carries at least
// one chunk frame.
func TotalChunks(size int64, chunkSize int) int {
	if size == 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Split cuts data into chunks of at most chunkSize bytes. Chunk i spans
// [i*chunkSize, min(len(data), (i+1)*chunkSize)). Exactly the final
// chunk has Last set.
func Split(data []byte, chunkSize int) []Chunk {
	if chunkSize < 1 {
		chunkSize = SmallChunkSize
	}

	total := TotalChunks(int64(len(data)), chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{
			Index: i,
			Size:  end - start,
			Last:  i == total-1,
			Data:  data[start:end],
		})
	}
	return chunks
}

// BuildManifest describes data's chunk layout for announcement to the
// room. The manifest is immutable once built.
func BuildManifest(fileID, fileName, fileType string, data []byte, chunkSize int) *signaling.Manifest {
	chunks := Split(data, chunkSize)
	infos := make([]signaling.ChunkInfo, 0, len(chunks))
	for _, c := range chunks {
		infos = append(infos, signaling.ChunkInfo{Index: c.Index, Size: c.Size})
	}
	return &signaling.Manifest{
		FileID:      fileID,
		FileName:    fileName,
		FileSize:    int64(len(data)),
		FileType:    fileType,
		TotalChunks: len(chunks),
		Chunks:      infos,
	}
}

// Reassemble concatenates received chunks in index order, regardless of
// the order they arrived in. It fails if any index in [0, total) is
// missing.
func Reassemble(chunks map[int][]byte, total int) ([]byte, error) {
	size := 0
	for i := 0; i < total; i++ {
		data, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d of %d", i, total)
		}
		size += len(data)
	}

	out := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		out = append(out, chunks[i]...)
	}
	return out, nil
}
