package mailer

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"welcome.md": &fstest.MapFile{Data: []byte(
			"---\nSubject: Welcome!\nPreheader: glad you are here\n---\n# Hello {{.Name}}\n\nYour account is ready.\n")},
		"plain.md": &fstest.MapFile{Data: []byte(
			"Just text for {{.Name}}.\n")},
		"layouts/base.html": &fstest.MapFile{Data: []byte(
			"<html><body>{{.Content}}</body></html>")},
	}
}

func TestRender_WrapsMarkdownInLayout(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())
	res, err := r.Render("base.html", "welcome.md", map[string]any{"Name": "Jane"})
	require.NoError(t, err)

	assert.Contains(t, res.HTML, "<html><body>")
	assert.Contains(t, res.HTML, "<h1>Hello Jane</h1>")
	assert.Contains(t, res.Text, "# Hello Jane")
	assert.Equal(t, "Welcome!", res.Metadata["Subject"])
}

func TestRender_TemplateWithoutFrontmatter(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())
	res, err := r.Render("base.html", "plain.md", map[string]any{"Name": "Jane"})
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "Just text for Jane.")
	assert.Empty(t, res.Metadata)
}

func TestRender_MissingTemplate(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())
	_, err := r.Render("base.html", "missing.md", nil)
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRender_MissingLayout(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())
	_, err := r.Render("other.html", "plain.md", nil)
	require.ErrorIs(t, err, ErrLayoutNotFound)
}

func TestRender_SanitizesContextStrings(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())
	res, err := r.Render("base.html", "plain.md", map[string]any{
		"Name": `<script>alert("x")</script>Jane`,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.HTML, "<script>")
	assert.Contains(t, res.HTML, "Jane")
}

func TestRenderSubject(t *testing.T) {
	t.Parallel()

	r := NewRenderer(testFS())

	subject, err := r.RenderSubject("Hi {{.Name}}, news inside", map[string]any{"Name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Jane, news inside", subject)

	_, err = r.RenderSubject("Broken {{.Name", nil)
	require.ErrorIs(t, err, ErrRenderFailed)
}

func TestParseTemplate(t *testing.T) {
	t.Parallel()

	t.Run("frontmatter and body", func(t *testing.T) {
		t.Parallel()
		tmpl, err := ParseTemplate([]byte("---\nSubject: Hey\n---\nBody here.\n"))
		require.NoError(t, err)
		subject, ok := tmpl.Subject()
		assert.True(t, ok)
		assert.Equal(t, "Hey", subject)
		assert.Equal(t, "Body here.\n", tmpl.Body)
	})

	t.Run("body only", func(t *testing.T) {
		t.Parallel()
		tmpl, err := ParseTemplate([]byte("No frontmatter.\n"))
		require.NoError(t, err)
		_, ok := tmpl.Subject()
		assert.False(t, ok)
		assert.Equal(t, "No frontmatter.\n", tmpl.Body)
	})

	t.Run("unterminated frontmatter", func(t *testing.T) {
		t.Parallel()
		_, err := ParseTemplate([]byte("---\nSubject: Hey\nBody"))
		require.ErrorIs(t, err, ErrInvalidFrontmatter)
	})
}
