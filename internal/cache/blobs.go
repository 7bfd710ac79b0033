package cache

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/blake3"

	"github.com/kelpejol/convoy/internal/store"
)

// BlobSource reads immutable blobs from stable storage.
type BlobSource interface {
	GetBlob(ctx context.Context, id string) (store.Blob, error)
	BlobSize(ctx context.Context, id string) (int64, error)
	PutBlob(ctx context.Context, b store.Blob) error
}

// Blobs is the immutable blob namespace. Entries are populated on first access
// and only ever expire; blobs larger than MaxBlobBytes are never cached.
type Blobs struct {
	l   *Layer
	src BlobSource
}

type cachedBlob struct {
	ContentType string    `cbor:"1,keyasint"`
	Size        int64     `cbor:"2,keyasint"`
	Data        []byte    `cbor:"3,keyasint"`
	CreatedAt   time.Time `cbor:"4,keyasint"`
}

// BlobID returns the content address of data.
func BlobID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data durably under its content address and returns the blob.
// The cache is not touched; the first Get populates it.
func (b *Blobs) Put(ctx context.Context, contentType string, data []byte) (store.Blob, error) {
	blob := store.Blob{
		ID:          BlobID(data),
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
	if err := b.src.PutBlob(ctx, blob); err != nil {
		return store.Blob{}, err
	}
	return blob, nil
}

// Get returns the blob with the given id.
func (b *Blobs) Get(ctx context.Context, id string) (store.Blob, error) {
	if blob, ok := b.peek(ctx, id); ok {
		b.l.metrics.CacheResult(nsBlob, "hit")
		return blob, nil
	}

	v, err, _ := b.l.loads.Do(blobKey(id), func() (interface{}, error) {
		blob, err := b.src.GetBlob(ctx, id)
		if err != nil {
			return store.Blob{}, err
		}
		b.fill(ctx, blob)
		return blob, nil
	})
	if err != nil {
		return store.Blob{}, err
	}
	return v.(store.Blob), nil
}

// Prefetch warms the cache for id in the background. Blobs too large to cache
// are skipped without loading their data.
func (b *Blobs) Prefetch(id string) {
	if b.l.rdb == nil {
		return
	}
	b.l.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, ok := b.peek(ctx, id); ok {
			return
		}
		size, err := b.src.BlobSize(ctx, id)
		if err != nil {
			b.l.log.Debug().Err(err).Str("blob_id", id).Msg("prefetch skipped")
			return
		}
		if size > b.l.opts.MaxBlobBytes {
			b.l.metrics.CacheResult(nsBlob, "bypass")
			return
		}
		if _, err := b.Get(ctx, id); err != nil {
			b.l.log.Debug().Err(err).Str("blob_id", id).Msg("prefetch failed")
		}
	})
}

// Cached reports whether id currently has a cache entry.
func (b *Blobs) Cached(ctx context.Context, id string) bool {
	_, ok := b.peek(ctx, id)
	return ok
}

func (b *Blobs) peek(ctx context.Context, id string) (store.Blob, bool) {
	if b.l.rdb == nil {
		return store.Blob{}, false
	}

	key := blobKey(id)
	cctx, cancel := b.l.opCtx(ctx)
	defer cancel()

	raw, err := b.l.rdb.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return store.Blob{}, false
	}
	if err != nil {
		b.l.degraded(nsBlob, "get", key, err)
		return store.Blob{}, false
	}

	var cb cachedBlob
	if err := unmarshal(raw, &cb); err != nil {
		b.l.log.Warn().Err(err).Str("key", key).Msg("discarding malformed blob entry")
		return store.Blob{}, false
	}
	data, err := decompress(cb.Data, cb.Size)
	if err != nil {
		b.l.log.Warn().Err(err).Str("key", key).Msg("discarding corrupt blob entry")
		return store.Blob{}, false
	}
	return store.Blob{ID: id, ContentType: cb.ContentType, Size: cb.Size, Data: data, CreatedAt: cb.CreatedAt}, true
}

func (b *Blobs) fill(ctx context.Context, blob store.Blob) {
	if b.l.rdb == nil {
		return
	}
	if blob.Size > b.l.opts.MaxBlobBytes {
		b.l.metrics.CacheResult(nsBlob, "bypass")
		return
	}
	b.l.metrics.CacheResult(nsBlob, "miss")

	raw, err := marshal(cachedBlob{
		ContentType: blob.ContentType,
		Size:        blob.Size,
		Data:        compress(blob.Data),
		CreatedAt:   blob.CreatedAt,
	})
	if err != nil {
		b.l.log.Error().Err(err).Str("blob_id", blob.ID).Msg("encode blob for cache failed")
		return
	}

	key := blobKey(blob.ID)
	cctx, cancel := b.l.opCtx(ctx)
	defer cancel()
	if err := b.l.rdb.Set(cctx, key, raw, b.l.opts.BlobTTL).Err(); err != nil {
		b.l.degraded(nsBlob, "fill", key, err)
	}
}
