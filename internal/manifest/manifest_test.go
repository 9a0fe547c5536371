package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAsset() *Asset {
	return &Asset{
		ID:    "asset-x",
		Label: "Asset X",
		Manifests: []Release{{
			Release: "rel1",
			Chunks: []Chunk{
				{GUID: "A", URL: "http://cdn/A", Size: 10},
				{GUID: "B", URL: "http://cdn/B", Size: 10},
			},
			Files: []File{{
				Filename: "Content/a.bin",
				Parts: []Part{
					{GUID: "A", Offset: 0, Size: 10},
					{GUID: "B", Offset: 2, Size: 5},
					{GUID: "A", Offset: 0, Size: 3},
				},
			}},
		}},
	}
}

func TestAsset_Validate(t *testing.T) {
	require.NoError(t, validAsset().Validate())

	tests := []struct {
		name   string
		mutate func(a *Asset)
	}{
		{"missing id", func(a *Asset) { a.ID = "" }},
		{"no manifests", func(a *Asset) { a.Manifests = nil }},
		{"release traversal", func(a *Asset) { a.Manifests[0].Release = ".." }},
		{"unknown chunk", func(a *Asset) { a.Manifests[0].Files[0].Parts[0].GUID = "Z" }},
		{"part out of range", func(a *Asset) { a.Manifests[0].Files[0].Parts[1].Offset = 8 }},
		{"absolute filename", func(a *Asset) { a.Manifests[0].Files[0].Filename = "/etc/passwd" }},
		{"escaping filename", func(a *Asset) { a.Manifests[0].Files[0].Filename = "../../x" }},
		{"chunk without url", func(a *Asset) { a.Manifests[0].Chunks[0].URL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAsset()
			tt.mutate(a)
			assert.ErrorIs(t, a.Validate(), ErrInvalid)
		})
	}
}

func TestFile_SizeAndGUIDs(t *testing.T) {
	f := validAsset().Manifests[0].Files[0]
	assert.Equal(t, int64(18), f.Size())
	assert.Equal(t, []string{"A", "B"}, f.GUIDs())
}

func TestEngine_Validate(t *testing.T) {
	e := &Engine{
		Version:     "5.3.0",
		BlobBaseURL: "https://registry/v2/engine/blobs/",
		Digests:     []Digest{{Digest: "sha256:aa", Size: 1}, {Digest: "sha256:bb", Size: 2}},
	}
	require.NoError(t, e.Validate())
	assert.Equal(t, "https://registry/v2/engine/blobs/sha256:aa", e.BlobURL("sha256:aa"))

	dup := *e
	dup.Digests = []Digest{{Digest: "sha256:aa"}, {Digest: "sha256:aa"}}
	assert.ErrorIs(t, dup.Validate(), ErrInvalid)

	bad := *e
	bad.Digests = []Digest{{Digest: "aa"}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	noURL := *e
	noURL.BlobBaseURL = ""
	assert.ErrorIs(t, noURL.Validate(), ErrInvalid)
}

func TestLoad_YAML(t *testing.T) {
	doc := `
asset:
  id: asset-x
  label: Asset X
  manifests:
    - release: rel1
      chunks:
        - {guid: A, url: "http://cdn/A", size: 4}
      files:
        - filename: a.bin
          parts:
            - {guid: A, offset: 0, size: 4}
`
	path := filepath.Join(t.TempDir(), "x.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, d.Asset)
	assert.Nil(t, d.Engine)
	assert.Equal(t, "asset-x", d.Asset.ID)
	assert.Equal(t, int64(4), d.Asset.Manifests[0].Files[0].Size())
}

func TestLoad_JSONEngine(t *testing.T) {
	doc := `{"engine":{"version":"5.3","totalSize":3,"blobBaseUrl":"http://r/blobs","digests":[{"digest":"sha256:ab","size":3}]}}`
	path := filepath.Join(t.TempDir(), "e.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, d.Engine)
	assert.Equal(t, int64(3), d.Engine.TotalSize)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte(`{}`), true)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte(`{"bogus":1}`), true)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("asset: [unclosed"), false)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestIsManifestFile(t *testing.T) {
	assert.True(t, IsManifestFile("a.json"))
	assert.True(t, IsManifestFile("a.YAML"))
	assert.True(t, IsManifestFile("a.yml"))
	assert.False(t, IsManifestFile("a.txt"))
}

func TestFileID(t *testing.T) {
	assert.Equal(t, "x/rel/a.bin", FileID("x", "rel", "a.bin"))
}
