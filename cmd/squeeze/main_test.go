package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/Sternrassler/squeeze/internal/testutil"
	"github.com/Sternrassler/squeeze/pkg/config"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configPath = "/home/user/.squeeze/config.yaml"

func writeConfig(t *testing.T, fs afero.Fs, baseURL string, keys ...string) {
	t.Helper()
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	cfg := fmt.Sprintf(`credentials:
  keys: [%s]
  auto_rotate: true
backend:
  base_url: %s
retry:
  transient_attempts: 1
`, strings.Join(quoted, ", "), baseURL)
	require.NoError(t, afero.WriteFile(fs, configPath, []byte(cfg), 0o600))
}

func execute(t *testing.T, fs afero.Fs, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(fs)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCompress_ReplacesOriginals(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL(), "key-a")
	require.NoError(t, afero.WriteFile(fs, "/photos/a.png", []byte("aaaaaaaaaa"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/photos/nested/b.jpg", []byte("bbbbbbbb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/photos/notes.txt", []byte("ignored"), 0o644))

	stdout, _, err := execute(t, fs, "compress", "/photos")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Successfully compressed 2 images")
	assert.Contains(t, stdout, "Successfully saved 2 images")

	a, err := afero.ReadFile(fs, "/photos/a.png")
	require.NoError(t, err)
	assert.Equal(t, "aaaaa", string(a))

	// The backend answered with PNG, so the JPEG original stays.
	b, err := afero.ReadFile(fs, "/photos/nested/b.png")
	require.NoError(t, err)
	assert.Len(t, b, 4)

	orig, err := afero.ReadFile(fs, "/photos/nested/b.jpg")
	require.NoError(t, err)
	assert.Len(t, orig, 8)

	assert.Len(t, mock.ShrinkKeys(), 2)
}

func TestCompress_RotationIsPersisted(t *testing.T) {
	mock := testutil.NewMockTinify("key-a", "key-b")
	defer mock.Close()
	mock.Exhaust("key-a")

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL(), "key-a", "key-b")
	require.NoError(t, afero.WriteFile(fs, "/photos/a.png", []byte("aaaaaaaa"), 0o644))

	_, _, err := execute(t, fs, "--quiet", "compress", "--concurrency", "1", "/photos")
	require.NoError(t, err)

	cfg, err := config.LoadFs(fs, configPath)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Credentials.CurrentIndex)
	assert.Equal(t, []string{"key-a", "key-b"}, mock.ShrinkKeys())
}

func TestCompress_FailureReturnsError(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()
	mock.FailShrink(415)

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL(), "key-a")
	require.NoError(t, afero.WriteFile(fs, "/photos/a.png", []byte("aaaa"), 0o644))

	stdout, _, err := execute(t, fs, "compress", "/photos/a.png")
	require.Error(t, err)
	assert.Contains(t, stdout, "Compression completed: 0 succeeded, 1 failed")

	a, err := afero.ReadFile(fs, "/photos/a.png")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(a), "failed items are not written")
}

func TestCompress_DryRun(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL(), "key-a")
	require.NoError(t, afero.WriteFile(fs, "/photos/a.png", make([]byte, 1536), 0o644))

	stdout, _, err := execute(t, fs, "compress", "--dry-run", "/photos")
	require.NoError(t, err)

	assert.Contains(t, stdout, "/photos/a.png\t1.5 KiB")
	assert.Contains(t, stdout, "1 images, 1.5 KiB")
	assert.Empty(t, mock.Calls())
}

func TestCompress_NoKeys(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "http://127.0.0.1:1")
	require.NoError(t, afero.WriteFile(fs, "/photos/a.png", []byte("a"), 0o644))

	_, _, err := execute(t, fs, "compress", "/photos")
	assert.ErrorIs(t, err, credentials.ErrNoCredential)
}

func TestKeys_AddListRemove(t *testing.T) {
	mock := testutil.NewMockTinify("good-key")
	defer mock.Close()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL())

	_, _, err := execute(t, fs, "keys", "add", "bad-key")
	require.Error(t, err)

	stdout, _, err := execute(t, fs, "keys", "add", "good-key")
	require.NoError(t, err)
	fp := credentials.Credential("good-key").Fingerprint()
	assert.Contains(t, stdout, "Added key "+fp)

	_, _, err = execute(t, fs, "keys", "add", "--no-validate", "offline-key")
	require.NoError(t, err)

	stdout, _, err = execute(t, fs, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, fp)
	assert.NotContains(t, stdout, "good-key")

	_, _, err = execute(t, fs, "keys", "remove", fp)
	require.NoError(t, err)

	cfg, err := config.LoadFs(fs, configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-key"}, cfg.Credentials.Keys)

	_, _, err = execute(t, fs, "keys", "remove", "missing")
	assert.Error(t, err)
}

func TestKeys_Validate(t *testing.T) {
	mock := testutil.NewMockTinify("good-key")
	defer mock.Close()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, mock.URL(), "good-key", "revoked-key")

	stdout, _, err := execute(t, fs, "keys", "validate")
	require.Error(t, err)
	assert.Contains(t, stdout, credentials.Credential("good-key").Fingerprint()+"\tvalid")
	assert.Contains(t, stdout, credentials.Credential("revoked-key").Fingerprint()+"\tinvalid")
}

func TestKeys_UsageNeedsRedis(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "http://127.0.0.1:1", "k")

	_, _, err := execute(t, fs, "keys", "usage")
	assert.ErrorContains(t, err, "redis.addr")
}

func TestCompressFlags_Options(t *testing.T) {
	base := pipeline.Options{
		Resize:  &pipeline.ResizeOptions{Method: pipeline.ResizeCover, Width: pipeline.Dim(100)},
		Convert: &pipeline.ConvertOptions{Types: []string{pipeline.TypeJPEG}, Background: "white"},
	}

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, opts pipeline.Options)
		err   bool
	}{
		{
			name: "no flags keeps defaults",
			check: func(t *testing.T, opts pipeline.Options) {
				assert.Equal(t, base, opts)
			},
		},
		{
			name: "height added to configured resize",
			args: []string{"--height", "50"},
			check: func(t *testing.T, opts pipeline.Options) {
				assert.Equal(t, pipeline.ResizeCover, opts.Resize.Method)
				assert.Equal(t, 100, *opts.Resize.Width)
				assert.Equal(t, 50, *opts.Resize.Height)
			},
		},
		{
			name: "background only",
			args: []string{"--background", "#000"},
			check: func(t *testing.T, opts pipeline.Options) {
				assert.Equal(t, []string{pipeline.TypeJPEG}, opts.Convert.Types)
				assert.Equal(t, "#000", opts.Convert.Background)
				assert.Equal(t, "white", base.Convert.Background, "base is not modified")
			},
		},
		{
			name: "preserve",
			args: []string{"--preserve", "copyright,creation"},
			check: func(t *testing.T, opts pipeline.Options) {
				assert.Equal(t, []pipeline.MetadataKind{pipeline.MetadataCopyright, pipeline.MetadataCreation}, opts.Preserve)
			},
		},
		{name: "bad method", args: []string{"--resize-method", "stretch"}, err: true},
		{name: "bad metadata", args: []string{"--preserve", "exif"}, err: true},
		{name: "bad type", args: []string{"--convert", "image/gif"}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "compress"}
			flags := &compressFlags{}
			flags.register(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))

			opts, err := flags.options(cmd, base)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, opts)
		})
	}
}

func TestFindKey(t *testing.T) {
	keys := []credentials.Credential{"alpha", "beta"}

	k, ok := findKey(keys, "beta")
	assert.True(t, ok)
	assert.Equal(t, credentials.Credential("beta"), k)

	k, ok = findKey(keys, credentials.Credential("alpha").Fingerprint())
	assert.True(t, ok)
	assert.Equal(t, credentials.Credential("alpha"), k)

	_, ok = findKey(keys, "gamma")
	assert.False(t, ok)
}
