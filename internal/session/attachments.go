package session

import (
	"fmt"
	"strings"

	"github.com/inercia/agentdeck/internal/protocol"
)

// Attachment is a file sent along with a prompt. Images carry base64 data;
// anything else is treated as text and inlined into the prompt.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Block converts the attachment into a content block.
func (a Attachment) Block() protocol.ContentBlock {
	if a.IsImage() {
		return protocol.ImageBlock{MediaType: a.MimeType, Data: a.Data}
	}
	name := a.Name
	if name == "" {
		name = "attachment"
	}
	return protocol.TextBlock{Text: fmt.Sprintf("=== File: %s ===\n%s\n=== End of %s ===", name, a.Data, name)}
}

func attachmentBlocks(attachments []Attachment) []protocol.ContentBlock {
	if len(attachments) == 0 {
		return nil
	}
	blocks := make([]protocol.ContentBlock, 0, len(attachments))
	for _, a := range attachments {
		blocks = append(blocks, a.Block())
	}
	return blocks
}
