package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

type fixedExtractor struct{ text string }

func (f fixedExtractor) Extract(context.Context, []byte) (models.Extraction, error) {
	return models.Extraction{Text: f.text}, nil
}

func TestRegistryRoutesByExtension(t *testing.T) {
	r, err := NewRegistry(cfg.Default().Image, logger.NewTestLogger())
	require.NoError(t, err)

	out, err := r.Extract(context.Background(), "Notes.MD", []byte("# hi"))
	require.NoError(t, err)
	assert.Equal(t, "# hi", out.Text)

	for _, name := range []string{"a.txt", "b.pdf", "c.docx", "d.PNG", "e.jpeg", "f.tif", "g.webp"} {
		assert.True(t, r.Supports(name), name)
	}
	assert.False(t, r.Supports("setup.exe"))
	assert.False(t, r.Supports("old.doc"))

	_, err = r.Extract(context.Background(), "setup.exe", []byte("MZ"))
	assert.ErrorIs(t, err, models.ErrExtraction)
}

func TestRegistryOverride(t *testing.T) {
	r, err := NewRegistry(cfg.Default().Image, logger.NewTestLogger())
	require.NoError(t, err)
	r.Register(fixedExtractor{text: "stub"}, ".PDF")

	out, err := r.Extract(context.Background(), "x.pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", out.Text)
}
