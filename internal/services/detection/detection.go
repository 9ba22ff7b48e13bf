package detection

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/goccy/go-json"
)

// Client talks to the detection + tracking service. The service keeps track
// identities across calls, so frames of one run must go through one client.
type Client struct {
	URL        string
	Confidence float64
	IOU        float64
	Classes    []string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration, confidence, iou float64, classes []string) *Client {
	return &Client{
		URL:        strings.TrimSuffix(baseURL, "/"),
		Confidence: confidence,
		IOU:        iou,
		Classes:    classes,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictResponse struct {
	Detections []struct {
		TrackID *int64    `json:"track_id"`
		Class   string    `json:"class"`
		Score   float64   `json:"score"`
		Box     []float64 `json:"box"`
	} `json:"detections"`
}

// Detect sends one frame as JPEG to /predict and returns the tracked detections.
// Detections the tracker has not assigned an id yet come back with TrackID -1.
func (c *Client) Detect(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if err := jpeg.Encode(part, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	fields := map[string]string{
		"conf":    strconv.FormatFloat(c.Confidence, 'f', -1, 64),
		"iou":     strconv.FormatFloat(c.IOU, 'f', -1, 64),
		"classes": strings.Join(c.Classes, ","),
		"frame":   strconv.FormatUint(frame.Seq, 10),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status, bodyBytes)
	}

	var body predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]models.Detection, 0, len(body.Detections))
	for i, d := range body.Detections {
		if len(d.Box) != 4 {
			return nil, fmt.Errorf("detection %d: box has %d values", i, len(d.Box))
		}
		det := models.Detection{
			TrackID:    -1,
			ClassLabel: d.Class,
			Confidence: d.Score,
			Box:        models.Rect{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
		}
		if d.TrackID != nil {
			det.TrackID = *d.TrackID
		}
		out = append(out, det)
	}
	return out, nil
}
