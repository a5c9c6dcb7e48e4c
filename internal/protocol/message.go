// Package protocol defines the JSON control messages exchanged over a
// peer data channel. Every file-chunk-meta message is immediately
// followed by one raw binary message carrying the chunk bytes.
package protocol

import "encoding/json"

type ControlType string

const (
	MsgFileStart        ControlType = "file-start"
	MsgFileChunkMeta    ControlType = "file-chunk-meta"
	MsgFileComplete     ControlType = "file-complete"
	MsgTransferComplete ControlType = "transfer-complete"
	MsgRequestFile      ControlType = "request-file"
	MsgRequestChunk     ControlType = "request-chunk"
)

// Control is the single frame for all data-channel control traffic.
type Control struct {
	Type ControlType `json:"type"`

	FileID      string `json:"fileId"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	ChunkSize   int    `json:"chunkSize,omitempty"`

	ChunkIndex int  `json:"chunkIndex"`
	LastChunk  bool `json:"lastChunk,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

func Encode(c *Control) ([]byte, error) {
	return json.Marshal(c)
}

func Decode(data []byte) (*Control, error) {
	c := &Control{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
