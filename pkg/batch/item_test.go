package batch

import (
	"context"
	"testing"

	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{"pending to completed", []Status{StatusInProgress, StatusCompleted}, false},
		{"pending to failed", []Status{StatusInProgress, StatusFailed}, false},
		{"pending to skipped", []Status{StatusSkipped}, false},
		{"pending straight to completed", []Status{StatusCompleted}, true},
		{"in progress to skipped", []Status{StatusInProgress, StatusSkipped}, true},
		{"completed is final", []Status{StatusInProgress, StatusCompleted, StatusFailed}, true},
		{"skipped is final", []Status{StatusSkipped, StatusInProgress}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewBytesItem("a.png", []byte("data"))
			var err error
			for _, s := range tt.path {
				if _, err = item.transition(s, nil); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestItem_Result(t *testing.T) {
	item := NewBytesItem("a.png", make([]byte, 400))
	require.NoError(t, item.start())
	_, err := item.complete(&client.Result{CompressedSize: 100, Data: []byte("x"), OutputType: "image/webp", Extension: "webp"})
	require.NoError(t, err)

	r := item.Result()
	assert.True(t, r.Success)
	assert.Equal(t, int64(75), r.SavingsPercent())
	assert.Equal(t, "webp", r.Extension)

	skipped := NewBytesItem("b.png", make([]byte, 50))
	_, err = skipped.skip()
	require.NoError(t, err)
	r = skipped.Result()
	assert.False(t, r.Success)
	assert.Equal(t, int64(50), r.CompressedSize)
}

func TestItemsFromPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/img/a.png", []byte("12345"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/img/b.jpg", []byte("123"), 0o644))

	items, err := ItemsFromPaths(fs, []string{"/img/a.png", "/img/b.jpg"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a.png", items[0].Name)
	assert.Equal(t, "/img/a.png", items[0].Path)
	assert.Equal(t, int64(5), items[0].OriginalSize)
	assert.Equal(t, StatusPending, items[1].Status())

	data, err := items[1].Source.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("123"), data)

	_, err = ItemsFromPaths(fs, []string{"/img/missing.png"})
	assert.Error(t, err)

	_, err = ItemsFromPaths(fs, []string{"/img"})
	assert.Error(t, err)
}
