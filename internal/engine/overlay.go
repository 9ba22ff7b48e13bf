package engine

import (
	"fmt"
	"image"

	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/fogleman/gg"
)

func tracePolygon(dc *gg.Context, poly []models.Point) {
	dc.NewSubPath()
	for i, p := range poly {
		if i == 0 {
			dc.MoveTo(p.X, p.Y)
		} else {
			dc.LineTo(p.X, p.Y)
		}
	}
	dc.ClosePath()
}

func drawBox(dc *gg.Context, r models.Rect, label string) {
	dc.DrawRectangle(r.X1, r.Y1, r.Width(), r.Height())
	dc.Stroke()
	if label != "" {
		dc.DrawString(label, r.X1, r.Y1-5)
	}
}

// annotateSnapshot draws the violating zone and the vehicle box in red.
// Drawing never fails the violation: on any problem the raw frame is used.
func (e *Engine) annotateSnapshot(img image.Image, det models.Detection, zoneName string) (out image.Image) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warnf("Engine %s: snapshot annotation failed: %v", e.opt.RunID, r)
			out = img
		}
	}()

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 0, 0)
	dc.SetLineWidth(2)
	if zone, ok := e.zones.Zone(zoneName); ok {
		tracePolygon(dc, zone.Polygon)
		dc.Stroke()
	}
	drawBox(dc, det.Box, fmt.Sprintf("ID: %d (%.2f)", det.TrackID, det.Confidence))
	return dc.Image()
}

// drawPreview renders zones and the current detections for the live preview.
// Violating tracks are red, other monitored tracks green, the rest grey.
func (e *Engine) drawPreview(frame framesource.Frame, detections []models.Detection, violating map[int64]bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warnf("Engine %s: preview frame %d: %v", e.opt.RunID, frame.Seq, r)
		}
	}()

	dc := gg.NewContextForImage(frame.Image)
	dc.SetLineWidth(2)
	dc.SetRGB(0, 0, 1)
	for _, z := range e.zones.Zones() {
		tracePolygon(dc, z.Polygon)
		dc.Stroke()
		if len(z.Polygon) > 0 {
			dc.DrawString(z.Name, z.Polygon[0].X, z.Polygon[0].Y-5)
		}
	}

	for _, det := range detections {
		switch {
		case violating[det.TrackID]:
			dc.SetRGB(1, 0, 0)
		case e.tracks.Monitored(det.ClassLabel):
			dc.SetRGB(0, 1, 0)
		default:
			dc.SetRGB(0.6, 0.6, 0.6)
		}
		drawBox(dc, det.Box, fmt.Sprintf("%s %d", det.ClassLabel, det.TrackID))
	}

	e.previewLock.Lock()
	e.preview = dc.Image()
	e.previewLock.Unlock()
}
