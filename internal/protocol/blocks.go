package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType is the discriminator of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one element of a user or assistant message. It is
// implemented by TextBlock, ToolUseBlock, ToolResultBlock, ImageBlock,
// ThinkingBlock and RawBlock.
type ContentBlock interface {
	Type() BlockType
	isBlock()
}

// TextBlock is plain text.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation by the assistant.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock answers a ToolUseBlock with the same id.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ImageBlock is a base64 encoded image attachment.
type ImageBlock struct {
	MediaType string
	Data      string
}

// ThinkingBlock carries extended thinking output.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

// RawBlock preserves a block of a type this package does not model, so that
// it survives a decode/encode cycle untouched.
type RawBlock struct {
	BlockType BlockType
	Raw       json.RawMessage
}

func (TextBlock) Type() BlockType       { return BlockText }
func (ToolUseBlock) Type() BlockType    { return BlockToolUse }
func (ToolResultBlock) Type() BlockType { return BlockToolResult }
func (ImageBlock) Type() BlockType      { return BlockImage }
func (ThinkingBlock) Type() BlockType   { return BlockThinking }
func (b RawBlock) Type() BlockType      { return b.BlockType }

func (TextBlock) isBlock()       {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}
func (ImageBlock) isBlock()      {}
func (ThinkingBlock) isBlock()   {}
func (RawBlock) isBlock()        {}

type wireBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		Text string    `json:"text"`
	}{BlockText, b.Text})
}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		Type  BlockType       `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}{BlockToolUse, b.ID, b.Name, input})
}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      BlockType `json:"type"`
		ToolUseID string    `json:"tool_use_id"`
		Content   string    `json:"content"`
		IsError   bool      `json:"is_error,omitempty"`
	}{BlockToolResult, b.ToolUseID, b.Content, b.IsError})
}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{
		Type:   BlockImage,
		Source: &imageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data},
	})
}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      BlockType `json:"type"`
		Thinking  string    `json:"thinking"`
		Signature string    `json:"signature,omitempty"`
	}{BlockThinking, b.Thinking, b.Signature})
}

func (b RawBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return json.Marshal(struct {
			Type BlockType `json:"type"`
		}{b.BlockType})
	}
	return b.Raw, nil
}

// decodeContent accepts either a bare string (shorthand for one text block)
// or an array of blocks.
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{TextBlock{Text: s}}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, 0, len(items))
	for i, item := range items {
		b, err := decodeBlock(item)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func decodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case BlockText:
		return TextBlock{Text: w.Text}, nil
	case BlockToolUse:
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case BlockToolResult:
		content, err := decodeToolResultContent(w.Content)
		if err != nil {
			return nil, fmt.Errorf("tool_result content: %w", err)
		}
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: content, IsError: w.IsError}, nil
	case BlockImage:
		if w.Source == nil {
			return ImageBlock{}, nil
		}
		return ImageBlock{MediaType: w.Source.MediaType, Data: w.Source.Data}, nil
	case BlockThinking:
		return ThinkingBlock{Thinking: w.Thinking, Signature: w.Signature}, nil
	default:
		return RawBlock{BlockType: w.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// decodeToolResultContent flattens the string-or-blocks shape of a tool
// result's content into text.
func decodeToolResultContent(raw json.RawMessage) (string, error) {
	blocks, err := decodeContent(raw)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func marshalBlocks(blocks []ContentBlock) (json.RawMessage, error) {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return json.Marshal(blocks)
}
