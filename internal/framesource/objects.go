package framesource

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"
)

// ObjectStore lists and fetches pre-extracted frames kept in a bucket folder
type ObjectStore interface {
	ListFrames(ctx context.Context, sourceURL string) (bucket string, keys []string, err error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// ObjectDecoder plays back a folder of JPEG/PNG frames from object storage in key order.
type ObjectDecoder struct {
	ctx      context.Context
	store    ObjectStore
	bucket   string
	keys     []string
	next     int
	interval time.Duration
}

// OpenObjects lists the frames under sourceURL (http://host/bucket/folder).
// The listing happens here so that an empty or missing folder fails Start.
func OpenObjects(ctx context.Context, store ObjectStore, sourceURL string, fps float64) (*ObjectDecoder, error) {
	bucket, keys, err := store.ListFrames(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no frames under %s", sourceURL)
	}
	d := &ObjectDecoder{ctx: ctx, store: store, bucket: bucket, keys: keys}
	if fps > 0 {
		d.interval = time.Duration(float64(time.Second) / fps)
	}
	return d, nil
}

func (d *ObjectDecoder) Next() (image.Image, error) {
	if d.next >= len(d.keys) {
		return nil, io.EOF
	}
	key := d.keys[d.next]
	d.next++

	data, err := d.store.GetObject(d.ctx, d.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get frame %s: %w", key, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", key, err)
	}
	return img, nil
}

func (d *ObjectDecoder) FrameInterval() time.Duration {
	return d.interval
}

func (d *ObjectDecoder) Close() error {
	return nil
}
