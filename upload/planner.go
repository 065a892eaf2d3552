package upload

import (
	"fmt"
)

// Plan turns sessions into the ordered list of chunks to transfer.
// Single mode sessions become one chunk each without reading their source.
// Multipart sessions are read into memory once and split into PartsCount ranges of ChunkSize,
// the last one truncated to the remainder.
func Plan(entries []Entry) ([]Chunk, error) {
	var chunks []Chunk
	for _, e := range entries {
		switch e.Mode {
		case ModeSingle:
			if e.PresignedRequest == nil {
				return nil, &PlanningError{UploadID: e.UploadID, Reason: "single upload without presigned request"}
			}
			chunks = append(chunks, Chunk{
				Mode:       ModeSingle,
				UploadType: e.UploadType,
				UploadID:   e.UploadID,
				PartNumber: 0,
				Bucket:     e.Bucket,
				Key:        e.Key,
				Mimetype:   e.Mimetype,
				Source:     e.Source,
				Request:    e.PresignedRequest,
			})
		case ModeMultipart:
			parts, err := planMultipart(e)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, parts...)
		default:
			return nil, &PlanningError{UploadID: e.UploadID, Reason: fmt.Sprintf("unknown upload mode %q", e.Mode)}
		}
	}
	return chunks, nil
}

func planMultipart(e Entry) ([]Chunk, error) {
	if e.ChunkSize <= 0 {
		return nil, &PlanningError{UploadID: e.UploadID, Reason: fmt.Sprintf("invalid chunk size %d", e.ChunkSize)}
	}
	if want := PartsCount(e.Size, e.ChunkSize); e.PartsCount != want {
		return nil, &PlanningError{
			UploadID: e.UploadID,
			Reason:   fmt.Sprintf("parts count mismatch: session declares %d, size %d with chunk size %d needs %d", e.PartsCount, e.Size, e.ChunkSize, want),
		}
	}
	if e.Source == nil {
		return nil, &PlanningError{UploadID: e.UploadID, Reason: "no source"}
	}

	data, err := readSource(e.Source)
	if err != nil {
		return nil, fmt.Errorf("plan upload %s: %w", e.UploadID, err)
	}
	if int64(len(data)) != e.Size {
		return nil, &PlanningError{
			UploadID: e.UploadID,
			Reason:   fmt.Sprintf("size mismatch: session declares %d bytes, source has %d", e.Size, len(data)),
		}
	}

	chunks := make([]Chunk, 0, e.PartsCount)
	for i := 0; i < e.PartsCount; i++ {
		start := int64(i) * e.ChunkSize
		end := start + e.ChunkSize
		if end > e.Size {
			end = e.Size
		}
		chunks = append(chunks, Chunk{
			Mode:       ModeMultipart,
			UploadType: e.UploadType,
			UploadID:   e.UploadID,
			PartNumber: i + 1,
			Bucket:     e.Bucket,
			Key:        e.Key,
			Mimetype:   e.Mimetype,
			Data:       data[start:end:end],
		})
	}
	return chunks, nil
}

// PartsCount returns ceil(size / chunkSize). An empty file still needs one part.
func PartsCount(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}
