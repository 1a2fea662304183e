// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package garage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend for tests.
type memBackend struct {
	mu      sync.Mutex
	objects map[string]memObject
	puts    int
}

type memObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string]memObject)}
}

func (m *memBackend) Put(_ context.Context, key string, data []byte, contentType string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[key] = memObject{
		data:         append([]byte(nil), data...),
		contentType:  contentType,
		lastModified: time.Now().Add(time.Duration(m.puts) * time.Second),
	}
	return nil
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *memBackend) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

func (m *memBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified})
		}
	}
	return out, nil
}

func TestSanitizePathComponent(t *testing.T) {
	assert.Equal(t, "my_ontology", SanitizePathComponent("my ontology"))
	assert.Equal(t, "a_b_c", SanitizePathComponent("a/b\\c"))
	assert.Equal(t, "plain", SanitizePathComponent("plain"))
}

func TestDetectImageContentType(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	gif := []byte("GIF89a trailing")
	webp := append([]byte("RIFF"), 0x10, 0x00, 0x00, 0x00, 'W', 'E', 'B', 'P')
	bmp := []byte("BM trailing")

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
	}{
		{"png by extension", "diagram.png", nil, "image/png"},
		{"jpeg by extension", "photo.jpg", nil, "image/jpeg"},
		{"png by magic", "mystery", png, "image/png"},
		{"jpeg by magic", "mystery", jpeg, "image/jpeg"},
		{"gif by magic", "mystery", gif, "image/gif"},
		{"webp by magic", "mystery", webp, "image/webp"},
		{"bmp by magic", "mystery", bmp, "image/bmp"},
		{"unknown defaults to jpeg", "mystery", []byte("not an image"), "image/jpeg"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectImageContentType(tc.filename, tc.data))
		})
	}
}

func TestImageStore_UploadAndKey(t *testing.T) {
	backend := newMemBackend()
	store := NewImageStore(backend, nil)

	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}
	key, err := store.Upload(context.Background(), "my ontology", "src-1", png, "figure.png", nil)
	require.NoError(t, err)
	assert.Equal(t, "images/my_ontology/src-1.png", key)

	got, err := store.Download(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestImageStore_DeleteOntology(t *testing.T) {
	backend := newMemBackend()
	store := NewImageStore(backend, nil)
	ctx := context.Background()

	_, err := store.Upload(ctx, "ont", "a", []byte{0xFF, 0xD8, 0xFF}, "a.jpg", nil)
	require.NoError(t, err)
	_, err = store.Upload(ctx, "ont", "b", []byte{0xFF, 0xD8, 0xFF}, "b.jpg", nil)
	require.NoError(t, err)
	_, err = store.Upload(ctx, "other", "c", []byte{0xFF, 0xD8, 0xFF}, "c.jpg", nil)
	require.NoError(t, err)

	n, err := store.DeleteOntology(ctx, "ont")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Download(ctx, "images/other/c.jpg")
	assert.NoError(t, err)
}

func TestNormalizeContentHash(t *testing.T) {
	full := strings.Repeat("ab", 32)

	got, err := NormalizeContentHash("sha256:" + full)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	got, err = NormalizeContentHash(strings.ToUpper(full))
	require.NoError(t, err)
	assert.Equal(t, full, got)

	_, err = NormalizeContentHash("abc123")
	assert.Error(t, err)

	_, err = NormalizeContentHash(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestComputeIdentity_KeyFormat(t *testing.T) {
	content := []byte("the quick brown fox")
	sum := sha256.Sum256(content)
	full := hex.EncodeToString(sum[:])

	identity, err := ComputeIdentity(content, "my ontology", "md", "")
	require.NoError(t, err)
	assert.Equal(t, full, identity.ContentHash)
	assert.Equal(t, "sources/my_ontology/"+full[:32]+".md", identity.GarageKey)
	assert.Equal(t, len(content), identity.Size)
}

func TestSourceStore_UploadIsIdempotent(t *testing.T) {
	backend := newMemBackend()
	store := NewSourceStore(backend, nil)
	ctx := context.Background()

	content := []byte("# doc\n\nsome prose here")
	first, err := store.Upload(ctx, content, "ont", "md", "", nil)
	require.NoError(t, err)
	second, err := store.Upload(ctx, content, "ont", "md", "", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.puts, "identical content must not be re-put")
}

func TestSourceStore_UsesPrecomputedHash(t *testing.T) {
	backend := newMemBackend()
	store := NewSourceStore(backend, nil)

	full := strings.Repeat("cd", 32)
	identity, err := store.Upload(context.Background(), []byte("body"), "ont", "txt", "sha256:"+full, nil)
	require.NoError(t, err)
	assert.Equal(t, full, identity.ContentHash)
	assert.Equal(t, "sources/ont/"+full[:32]+".txt", identity.GarageKey)
}

func TestNewChangelistID_Format(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewChangelistID("ont", "ollama", 42, at)

	assert.True(t, strings.HasPrefix(id, "cl_20250314_092653_"))
	assert.Len(t, id, len("cl_20250314_092653_")+8)

	// Same inputs are deterministic, different counts diverge.
	assert.Equal(t, id, NewChangelistID("ont", "ollama", 42, at))
	assert.NotEqual(t, id, NewChangelistID("ont", "ollama", 43, at))
}

func TestProjectionStore_PutWritesLatestAndSnapshot(t *testing.T) {
	backend := newMemBackend()
	store := NewProjectionStore(backend, nil)
	ctx := context.Background()

	proj := &Projection{
		Ontology:        "ont",
		EmbeddingSource: "ollama",
		ConceptCount:    2,
		Points: []ProjectionPoint{
			{ConceptID: "c1", Name: "alpha", Coords: []float64{0.1, 0.2}},
			{ConceptID: "c2", Name: "beta", Coords: []float64{0.3, 0.4}},
		},
	}
	require.NoError(t, store.Put(ctx, proj))
	assert.NotEmpty(t, proj.ChangelistID)

	got, err := store.Get(ctx, "ont", "ollama")
	require.NoError(t, err)
	assert.Equal(t, proj.ChangelistID, got.ChangelistID)
	assert.Len(t, got.Points, 2)

	objects, err := backend.List(ctx, "projections/ont/ollama/")
	require.NoError(t, err)
	assert.Len(t, objects, 2, "latest plus one snapshot")
}

func TestProjectionStore_ConditionalRead(t *testing.T) {
	backend := newMemBackend()
	store := NewProjectionStore(backend, nil)
	ctx := context.Background()

	proj := &Projection{Ontology: "ont", EmbeddingSource: "ollama", ConceptCount: 1}
	require.NoError(t, store.Put(ctx, proj))

	fresh, changed, err := store.GetIfChanged(ctx, "ont", "ollama", "")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, fresh)

	same, changed, err := store.GetIfChanged(ctx, "ont", "ollama", fresh.ChangelistID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, same)
}

func TestProjectionStore_DeleteRemovesLatestOnly(t *testing.T) {
	backend := newMemBackend()
	store := NewProjectionStore(backend, nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Projection{Ontology: "ont", EmbeddingSource: "ollama"}))
	require.NoError(t, store.Delete(ctx, "ont", "ollama"))

	_, err := store.Get(ctx, "ont", "ollama")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := store.History(ctx, "ont", "ollama")
	require.NoError(t, err)
	assert.Len(t, history, 1, "snapshot survives cache invalidation")
}

func TestProjectionStore_HistoryNewestFirst(t *testing.T) {
	backend := newMemBackend()
	store := NewProjectionStore(backend, nil)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return at }
		require.NoError(t, store.Put(ctx, &Projection{Ontology: "ont", EmbeddingSource: "ollama", ConceptCount: i}))
	}

	history, err := store.History(ctx, "ont", "ollama")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, obj := range history {
		assert.False(t, strings.HasSuffix(obj.Key, "latest.json"))
	}
	assert.True(t, history[0].LastModified.After(history[1].LastModified))
	assert.True(t, history[1].LastModified.After(history[2].LastModified))

	n, err := store.DeleteAll(ctx, "ont", "ollama")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "latest plus three snapshots")
}
