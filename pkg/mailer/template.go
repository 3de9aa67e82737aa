package mailer

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Template is a parsed email template: frontmatter metadata plus markdown body.
type Template struct {
	Metadata map[string]any
	Body     string
}

// ParseTemplate splits template file content into YAML frontmatter and body.
// Content without a leading "---" delimiter is treated as body-only.
func ParseTemplate(content []byte) (*Template, error) {
	delimiter := []byte("---")

	if !bytes.HasPrefix(content, delimiter) {
		return &Template{
			Metadata: make(map[string]any),
			Body:     string(content),
		}, nil
	}

	afterFirst := bytes.TrimPrefix(content, delimiter)
	afterFirst = bytes.TrimLeft(afterFirst, "\n\r")

	if len(afterFirst) == 0 {
		return nil, fmt.Errorf("%w: no content after opening delimiter", ErrInvalidFrontmatter)
	}

	endIdx := bytes.Index(afterFirst, delimiter)
	if endIdx == -1 {
		return nil, fmt.Errorf("%w: closing delimiter not found", ErrInvalidFrontmatter)
	}

	frontmatterBytes := afterFirst[:endIdx]
	bodyStart := endIdx + len(delimiter)
	// Skip a single newline after the closing delimiter (\r\n or \n).
	if bodyStart < len(afterFirst) {
		if afterFirst[bodyStart] == '\r' && bodyStart+1 < len(afterFirst) && afterFirst[bodyStart+1] == '\n' {
			bodyStart += 2
		} else if afterFirst[bodyStart] == '\n' {
			bodyStart++
		}
	}
	body := afterFirst[bodyStart:]

	var metadata map[string]any
	if len(bytes.TrimSpace(frontmatterBytes)) > 0 {
		if err := yaml.Unmarshal(frontmatterBytes, &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
		}
	} else {
		metadata = make(map[string]any)
	}

	return &Template{
		Metadata: metadata,
		Body:     string(body),
	}, nil
}

// Subject returns the Subject metadata field, if present.
func (t *Template) Subject() (string, bool) {
	s, ok := t.Metadata["Subject"].(string)
	return s, ok
}
