package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	client         *minio.Client
	snapshotBucket string
}

func NewMinioClient(endpoint, accessKey, secretKey, snapshotBucket string) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client, snapshotBucket: snapshotBucket}, nil
}

// IsObjectURL reports whether a video source names a folder of frames in
// object storage (http://host/bucket/folder) rather than a stream.
func IsObjectURL(source string) bool {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	_, _, err = splitBucketPath(u.Path)
	return err == nil && !strings.Contains(u.Path, ".")
}

func splitBucketPath(p string) (bucket, folder string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected /bucket/folder, got %q", p)
	}
	return parts[0], parts[1], nil
}

// ListFrames returns the frame objects under a folder URL in key order
func (c *Client) ListFrames(ctx context.Context, fileURL string) (string, []string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", nil, err
	}
	bucket, folder, err := splitBucketPath(u.Path)
	if err != nil {
		return "", nil, err
	}

	objectCh := c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    folder,
		Recursive: true,
	})

	var keys []string
	for object := range objectCh {
		if object.Err != nil {
			return "", nil, object.Err
		}
		// skip the folder itself
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		keys = append(keys, object.Key)
	}
	sort.Strings(keys)
	return bucket, keys, nil
}

func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EnsureBucket creates the snapshot bucket when it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.snapshotBucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.snapshotBucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.snapshotBucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.snapshotBucket, err)
	}
	return nil
}

// UploadSnapshot copies a snapshot into the snapshot bucket under its file name
func (c *Client) UploadSnapshot(ctx context.Context, name string, data []byte) error {
	_, err := c.client.PutObject(
		ctx,
		c.snapshotBucket,
		"snapshots/"+name,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}
	return nil
}
