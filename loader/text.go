package loader

import (
	"context"
	"fmt"
	"os"
)

// TextLoader handles plain text and markdown; the chunker works on raw
// markdown fine, so no stripping happens here.
type TextLoader struct{}

func (l *TextLoader) Extensions() []string { return []string{"txt", "md"} }

func (l *TextLoader) Load(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}
	return string(data), nil
}
