package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/worker"
)

// imageMIMEs is the whitelist of image media types forwarded as image blocks.
var imageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// convertParts turns incoming message parts into the worker payload: a plain
// string when every part is text (the backward-compatible path), otherwise a
// content-block sequence. The conversion is total — URI-only file parts
// become a descriptive text block rather than being dropped.
func convertParts(parts []a2a.Part) (any, error) {
	if len(parts) == 0 {
		return nil, ErrEmptyMessage
	}

	allText := true
	for _, p := range parts {
		if p.Kind != "text" {
			allText = false
			break
		}
	}

	if allText {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		joined := strings.Join(texts, "\n")
		if strings.TrimSpace(joined) == "" {
			return nil, ErrEmptyMessage
		}
		return joined, nil
	}

	blocks := make([]worker.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case "text":
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			blocks = append(blocks, worker.TextBlock(p.Text))

		case "file":
			if p.File == nil {
				continue
			}
			switch {
			case p.File.Bytes != "" && imageMIMEs[p.File.MimeType]:
				blocks = append(blocks, worker.ImageBlock(p.File.MimeType, p.File.Bytes))
			case p.File.Bytes != "":
				mediaType := p.File.MimeType
				if mediaType == "" {
					mediaType = "application/octet-stream"
				}
				blocks = append(blocks, worker.DocumentBlock(mediaType, p.File.Bytes))
			case p.File.URI != "":
				blocks = append(blocks, worker.TextBlock(fmt.Sprintf(
					"[file %q was referenced by URI %s; remote files are not fetched — resend the content as base64 bytes]",
					p.File.Name, p.File.URI)))
			}

		case "data":
			pretty, err := json.MarshalIndent(p.Data, "", "  ")
			if err != nil {
				pretty = []byte(fmt.Sprintf("%v", p.Data))
			}
			blocks = append(blocks, worker.TextBlock(string(pretty)))
		}
	}

	if len(blocks) == 0 {
		return nil, ErrEmptyMessage
	}
	return blocks, nil
}
