// Package opencv decodes files, devices and network streams through OpenCV.
package opencv

import (
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

const (
	openRetryDelay = 2 * time.Second
	defaultFileFPS = 30.0
)

type Decoder struct {
	source   string
	cap      *gocv.VideoCapture
	mat      gocv.Mat
	interval time.Duration
}

// Open opens a capture device ("0"), a video file, or a stream URL (rtsp://, http://).
// A failed open is retried once after a short delay.
func Open(source string) (*Decoder, error) {
	cap, err := openCapture(source)
	if err != nil {
		time.Sleep(openRetryDelay)
		cap, err = openCapture(source)
		if err != nil {
			return nil, fmt.Errorf("cannot open video source after retry: %s: %w", source, err)
		}
	}
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	d := &Decoder{
		source: source,
		cap:    cap,
		mat:    gocv.NewMat(),
	}
	if isFile(source) {
		fps := cap.Get(gocv.VideoCaptureFPS)
		if fps <= 1 {
			fps = defaultFileFPS
		}
		d.interval = time.Duration(float64(time.Second) / fps)
	}
	return d, nil
}

func openCapture(source string) (*gocv.VideoCapture, error) {
	var cap *gocv.VideoCapture
	var err error
	if id, convErr := strconv.Atoi(source); convErr == nil {
		cap, err = gocv.VideoCaptureDevice(id)
	} else {
		cap, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("capture not opened")
	}
	return cap, nil
}

func isFile(source string) bool {
	st, err := os.Stat(source)
	return err == nil && !st.IsDir()
}

// Next decodes one frame. Both the end of a file and a dropped network
// stream surface as io.EOF; reconnecting is the caller's decision.
func (d *Decoder) Next() (image.Image, error) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, io.EOF
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// FrameInterval is the native frame period for files, and zero for live sources
func (d *Decoder) FrameInterval() time.Duration {
	return d.interval
}

func (d *Decoder) Close() error {
	d.mat.Close()
	return d.cap.Close()
}
