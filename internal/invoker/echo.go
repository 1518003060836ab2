package invoker

import (
	"context"
	"strings"
)

// Echo is a built-in invoker that returns the rendered prompt followed by the
// context it received, streamed word by word. It needs no provider and is
// used for local runs and dry runs of a pipeline.
type Echo struct{}

func (Echo) Invoke(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	text := strings.TrimSpace(req.Prompt)
	if req.Context != "" {
		if text != "" {
			text += "\n\n"
		}
		text += req.Context
	}

	words := strings.Fields(text)
	if onChunk != nil {
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if i > 0 {
				w = " " + w
			}
			onChunk(w)
		}
	}
	return &Response{Output: text, TokensUsed: len(words), Model: "echo"}, nil
}
