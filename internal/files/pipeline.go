package files

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/storage"
	"github.com/castellanbot/castellan/internal/writequeue"
)

// cacheCeiling caps which payloads are worth caching; larger files are
// re-fetched from the provider when needed.
const cacheCeiling = 5 << 20

// transportFiles is the Telegram side of the pipeline.
type transportFiles interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// providerFiles is the Files API side.
type providerFiles interface {
	UploadFile(ctx context.Context, data []byte, filename, mime string) (string, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// byteCache stores raw file bytes.
type byteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// batchCache is the optional pipelined surface for multi-file warm reads.
// The redis client implements it; simple test fakes need not.
type batchCache interface {
	MGet(ctx context.Context, keys ...string) ([][]byte, bool)
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration)
}

// enqueuer is the write-behind surface for metadata persistence.
type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any)
}

// Config tunes the pipeline.
type Config struct {
	// TTL is the provider-side file lifetime recorded on metadata rows.
	TTL time.Duration
	// ParallelMetadata allows concurrent DB metadata resolution in
	// DownloadMany. Off by default: the session is not concurrency-safe.
	ParallelMetadata bool
}

// Pipeline moves one media item from Telegram into the provider and back.
type Pipeline struct {
	transport transportFiles
	provider  providerFiles
	cache     byteCache
	store     storage.FileStore
	queue     enqueuer
	cfg       Config
	logger    *observability.Logger
	now       func() time.Time
}

// NewPipeline wires the pipeline.
func NewPipeline(transport transportFiles, provider providerFiles, c byteCache, store storage.FileStore, queue enqueuer, cfg Config, logger *observability.Logger) *Pipeline {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Pipeline{
		transport: transport,
		provider:  provider,
		cache:     c,
		store:     store,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest runs the full path for one inbound media item: download from the
// transport, detect MIME, upload to the provider, cache the bytes, and
// enqueue metadata persistence. Returns the metadata row.
func (p *Pipeline) Ingest(ctx context.Context, in Inbound) (*models.UserFile, error) {
	data, err := p.transport.DownloadFile(ctx, in.ChatFileID)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", in.ChatFileID, err)
	}

	mime := DetectMIME(data, in.Filename, in.DeclaredMIME)
	fileID, err := p.provider.UploadFile(ctx, data, in.Filename, mime)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", in.ChatFileID, err)
	}

	if len(data) <= cacheCeiling && p.cache != nil {
		p.cache.Set(ctx, cache.FileBytesKey(in.ChatFileID), data, cache.FileBytesTTL)
	}

	now := p.now().UTC()

	file := &models.UserFile{
		FileID:     fileID,
		ChatFileID: in.ChatFileID,
		ChatID:     in.ChatID,
		MessageID:  in.MessageID,
		ThreadID:   in.ThreadID,
		Kind:       KindForMIME(mime),
		MIME:       mime,
		Size:       int64(len(data)),
		Filename:   in.Filename,
		ExpiresAt:  now.Add(p.cfg.TTL),
		Source:     in.Source,
		CreatedAt:  now,
	}
	// Metadata persistence is write-behind; the cached copy covers the gap
	// so a turn starting immediately can resolve the file.
	if p.cache != nil {
		if raw, err := json.Marshal(file); err == nil {
			p.cache.Set(ctx, cache.FileMetaKey(fileID), raw, cache.FilesTTL)
		}
	}
	if p.queue != nil {
		p.queue.Enqueue(ctx, storage.KindFileUpsert, file)
	}
	return file, nil
}

// Inbound describes one media item to ingest.
type Inbound struct {
	ChatFileID   string
	ChatID       int64
	MessageID    int64
	ThreadID     int64
	Filename     string
	DeclaredMIME string
	Source       models.FileSource
}

// Metadata resolves the row for a provider file id, cache first.
func (p *Pipeline) Metadata(ctx context.Context, providerID string) (*models.UserFile, error) {
	if p.cache != nil {
		if raw, ok := p.cache.Get(ctx, cache.FileMetaKey(providerID)); ok {
			var file models.UserFile
			if err := json.Unmarshal(raw, &file); err == nil {
				return &file, nil
			}
		}
	}
	if p.store == nil {
		return nil, storage.ErrNotFound
	}
	return p.store.GetByFileID(ctx, providerID)
}

// Fetched pairs metadata with content bytes.
type Fetched struct {
	File *models.UserFile
	Data []byte
	Err  error

	// cached marks bytes served from the cache, which skip write-back.
	cached bool
}

// DownloadMany resolves metadata for provider file ids and fetches their
// bytes. Metadata resolution is sequential by default because the database
// session must not be shared across goroutines; the byte downloads fan out
// in parallel. Results preserve input order.
func (p *Pipeline) DownloadMany(ctx context.Context, providerIDs []string) []Fetched {
	out := make([]Fetched, len(providerIDs))

	resolve := func(i int, id string) {
		file, err := p.Metadata(ctx, id)
		if err != nil {
			out[i] = Fetched{Err: fmt.Errorf("resolve %s: %w", id, err)}
			return
		}
		out[i] = Fetched{File: file}
	}
	if p.cfg.ParallelMetadata {
		var wg sync.WaitGroup
		for i, id := range providerIDs {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				resolve(i, id)
			}(i, id)
		}
		wg.Wait()
	} else {
		for i, id := range providerIDs {
			resolve(i, id)
		}
	}

	// One pipelined read covers every cached transport copy before the
	// per-file downloads fan out.
	if bc, ok := p.cache.(batchCache); ok {
		keys := make([]string, 0, len(out))
		idx := make([]int, 0, len(out))
		for i := range out {
			if out[i].Err == nil && out[i].File.ChatFileID != "" {
				keys = append(keys, cache.FileBytesKey(out[i].File.ChatFileID))
				idx = append(idx, i)
			}
		}
		if vals, ok := bc.MGet(ctx, keys...); ok {
			for j, i := range idx {
				if len(vals[j]) > 0 {
					out[i].Data = vals[j]
					out[i].cached = true
				}
			}
		}
	}

	var wg sync.WaitGroup
	for i := range out {
		if out[i].Err != nil || out[i].Data != nil {
			continue
		}
		wg.Add(1)
		go func(f *Fetched) {
			defer wg.Done()
			f.Data, f.cached, f.Err = p.fetchBytes(ctx, f.File)
		}(&out[i])
	}
	wg.Wait()

	p.writeBack(ctx, out)
	return out
}

// writeBack caches freshly downloaded bytes, pipelined when the cache
// supports it.
func (p *Pipeline) writeBack(ctx context.Context, out []Fetched) {
	if p.cache == nil {
		return
	}
	fresh := make(map[string][]byte)
	for i := range out {
		f := &out[i]
		if f.Err == nil && !f.cached && f.File.ChatFileID != "" && len(f.Data) > 0 && len(f.Data) <= cacheCeiling {
			fresh[cache.FileBytesKey(f.File.ChatFileID)] = f.Data
		}
	}
	if len(fresh) == 0 {
		return
	}
	if bc, ok := p.cache.(batchCache); ok {
		bc.MSet(ctx, fresh, cache.FileBytesTTL)
		return
	}
	for k, v := range fresh {
		p.cache.Set(ctx, k, v, cache.FileBytesTTL)
	}
}

// fetchBytes prefers cached transport bytes, then the provider copy.
// Write-back for fresh downloads happens in writeBack.
func (p *Pipeline) fetchBytes(ctx context.Context, file *models.UserFile) ([]byte, bool, error) {
	if p.cache != nil && file.ChatFileID != "" {
		if data, ok := p.cache.Get(ctx, cache.FileBytesKey(file.ChatFileID)); ok {
			return data, true, nil
		}
	}
	data, err := p.provider.DownloadFile(ctx, file.FileID)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

var _ enqueuer = (*writequeue.Queue)(nil)
