package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptimg/internal/models"
)

func TestEncodeDecode(t *testing.T) {
	ev := models.UploadEvent{
		SourceID: "42",
		Upstream: models.UpstreamSizeCatalog{
			File: "42/a.jpg", Width: 800, Height: 600,
			Sizes: map[string]models.UpstreamSize{"w320": {File: "a-320x240.jpg", Width: 320, Height: 240}},
		},
	}
	data, err := Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"source_id":"42"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"upstream":{}}`))
	assert.Error(t, err)
	_, err = Encode(models.UploadEvent{})
	assert.Error(t, err)
}

func TestDirect(t *testing.T) {
	var got []string
	d := NewDirect(func(_ context.Context, ev models.UploadEvent) error {
		got = append(got, ev.SourceID)
		return nil
	})

	require.NoError(t, d.Publish(context.Background(), models.UploadEvent{SourceID: "a"}))
	require.NoError(t, d.Publish(context.Background(), models.UploadEvent{SourceID: "b"}))
	assert.Error(t, d.Publish(context.Background(), models.UploadEvent{}))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, d.Close())
}
