package s3

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsObjectURL(t *testing.T) {
	require.True(t, IsObjectURL("http://minio:9000/frames/run-1"))
	require.True(t, IsObjectURL("https://minio/frames/cam/2024-05-01"))
	require.False(t, IsObjectURL("http://camera/stream.mjpg"))
	require.False(t, IsObjectURL("rtsp://camera/stream"))
	require.False(t, IsObjectURL("input/parking.mp4"))
	require.False(t, IsObjectURL("0"))
	require.False(t, IsObjectURL("http://minio:9000/frames"))
}

func TestSplitBucketPath(t *testing.T) {
	bucket, folder, err := splitBucketPath("/frames/run-1/part")
	require.NoError(t, err)
	require.Equal(t, "frames", bucket)
	require.Equal(t, "run-1/part", folder)

	_, _, err = splitBucketPath("/frames/")
	require.Error(t, err)
}
