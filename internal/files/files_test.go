package files

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/storage"
)

func TestDetectMIME(t *testing.T) {
	pngMagic := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...)
	pdfMagic := []byte("%PDF-1.7\n...")

	tests := []struct {
		name     string
		data     []byte
		filename string
		declared string
		want     string
	}{
		{"magic bytes win", pngMagic, "photo.jpg", "image/jpeg", "image/png"},
		{"pdf sniffed", pdfMagic, "", "", "application/pdf"},
		{"jsonl special case", []byte(`{"a":1}` + "\n"), "data.jsonl", "", "application/json"},
		{"extension refines text sniff", []byte("col1,col2\n1,2\n"), "table.csv", "", "text/csv"},
		{"declared rewrite", []byte{0x00, 0x01, 0x02, 0x03}, "blob", "image/jpg", "image/jpeg"},
		{"declared passthrough", []byte{0x00, 0x01, 0x02, 0x03}, "", "application/zstd", "application/zstd"},
		{"octet-stream declared ignored", []byte{0x00, 0x01, 0x02, 0x03}, "", "application/octet-stream", "application/octet-stream"},
		{"nothing known", nil, "", "", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIME(tt.data, tt.filename, tt.declared); got != tt.want {
				t.Errorf("DetectMIME = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want models.FileKind
	}{
		{"image/png", models.FileImage},
		{"application/pdf", models.FilePDF},
		{"audio/ogg", models.FileAudio},
		{"video/mp4", models.FileVideo},
		{"application/json", models.FileDocument},
	}
	for _, tt := range tests {
		if got := KindForMIME(tt.mime); got != tt.want {
			t.Errorf("KindForMIME(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

type fakeTransport struct {
	data map[string][]byte
}

func (f *fakeTransport) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	d, ok := f.data[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return d, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	uploads  map[string]string // fileID -> mime
	contents map[string][]byte
	nextID   int
}

func (f *fakeProvider) UploadFile(_ context.Context, data []byte, _, mime string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "file_" + strings.Repeat("0", 3) + string(rune('a'+f.nextID))
	if f.uploads == nil {
		f.uploads = map[string]string{}
		f.contents = map[string][]byte{}
	}
	f.uploads[id] = mime
	f.contents[id] = data
	return id, nil
}

func (f *fakeProvider) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.contents[fileID]
	if !ok {
		return nil, errors.New("provider file not found")
	}
	return d, nil
}

type fakeByteCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (f *fakeByteCache) Get(_ context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeByteCache) Set(_ context.Context, key string, val []byte, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = map[string][]byte{}
	}
	f.entries[key] = val
}

type fakeQueue struct {
	kinds    []string
	payloads []any
}

func (f *fakeQueue) Enqueue(_ context.Context, kind string, payload any) {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
}

type fakeFileStore struct {
	storage.FileStore
	files map[string]*models.UserFile
	calls []string
}

func (f *fakeFileStore) GetByFileID(_ context.Context, fileID string) (*models.UserFile, error) {
	f.calls = append(f.calls, fileID)
	file, ok := f.files[fileID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return file, nil
}

func TestPipeline_IngestHappyPath(t *testing.T) {
	pdf := []byte("%PDF-1.7 content")
	transport := &fakeTransport{data: map[string][]byte{"tg-file-1": pdf}}
	provider := &fakeProvider{}
	bc := &fakeByteCache{}
	queue := &fakeQueue{}
	p := NewPipeline(transport, provider, bc, nil, queue, Config{TTL: 24 * time.Hour}, observability.NewNopLogger())

	file, err := p.Ingest(context.Background(), Inbound{
		ChatFileID: "tg-file-1",
		ChatID:     1,
		MessageID:  2,
		ThreadID:   3,
		Filename:   "report.pdf",
		Source:     models.SourceUser,
	})
	if err != nil {
		t.Fatal(err)
	}

	if file.MIME != "application/pdf" || file.Kind != models.FilePDF {
		t.Errorf("mime/kind = %s/%s", file.MIME, file.Kind)
	}
	if file.Size != int64(len(pdf)) {
		t.Errorf("size = %d", file.Size)
	}
	if until := time.Until(file.ExpiresAt); until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("expiry not ~24h out: %s", file.ExpiresAt)
	}
	if len(queue.kinds) != 1 || queue.kinds[0] != storage.KindFileUpsert {
		t.Errorf("metadata not enqueued: %v", queue.kinds)
	}
	if len(bc.entries) != 1 {
		t.Error("small file bytes should be cached")
	}
}

func TestPipeline_DownloadManyPreservesOrderAndParallelizesBytes(t *testing.T) {
	provider := &fakeProvider{
		contents: map[string][]byte{
			"file_a": []byte("alpha"),
			"file_b": []byte("beta"),
		},
		uploads: map[string]string{},
	}
	store := &fakeFileStore{files: map[string]*models.UserFile{
		"file_a": {FileID: "file_a"},
		"file_b": {FileID: "file_b"},
	}}
	p := NewPipeline(nil, provider, nil, store, nil, Config{}, observability.NewNopLogger())

	got := p.DownloadMany(context.Background(), []string{"file_b", "missing", "file_a"})
	if len(got) != 3 {
		t.Fatalf("results = %d", len(got))
	}
	if string(got[0].Data) != "beta" || string(got[2].Data) != "alpha" {
		t.Errorf("order not preserved: %q %q", got[0].Data, got[2].Data)
	}
	if got[1].Err == nil {
		t.Error("missing file should carry an error, not fail the batch")
	}
	// Metadata resolution stays on the calling goroutine, in input order.
	if len(store.calls) != 3 || store.calls[0] != "file_b" {
		t.Errorf("resolution order = %v", store.calls)
	}
}

func TestPipeline_FetchPrefersCachedBytes(t *testing.T) {
	bc := &fakeByteCache{entries: map[string][]byte{}}
	provider := &fakeProvider{contents: map[string][]byte{}, uploads: map[string]string{}}
	store := &fakeFileStore{files: map[string]*models.UserFile{
		"file_x": {FileID: "file_x", ChatFileID: "tg-9"},
	}}
	p := NewPipeline(nil, provider, bc, store, nil, Config{}, observability.NewNopLogger())

	bc.Set(context.Background(), "file:bytes:tg-9", []byte("cached!"), time.Hour)

	got := p.DownloadMany(context.Background(), []string{"file_x"})
	if got[0].Err != nil {
		t.Fatal(got[0].Err)
	}
	if string(got[0].Data) != "cached!" {
		t.Errorf("data = %q, want cache hit", got[0].Data)
	}
}
