package models

import (
	"time"
)

type CommandAction string

const (
	CommandStart CommandAction = "start"
	CommandStop  CommandAction = "stop"
)

type RunState string

const (
	RunRunning RunState = "running"
	RunStopped RunState = "stopped"
	RunError   RunState = "error"
)

// Point is a pixel coordinate in frame space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box given by its corners
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (r Rect) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

func (r Rect) Width() float64 {
	return r.X2 - r.X1
}

func (r Rect) Height() float64 {
	return r.Y2 - r.Y1
}

// Detection is one tracked object returned by the detection service for a frame
type Detection struct {
	TrackID    int64   `json:"track_id"`
	ClassLabel string  `json:"class"`
	Confidence float64 `json:"score"`
	Box        Rect    `json:"box"`
}

func (d Detection) Centroid() Point {
	return d.Box.Center()
}

// ViolationRecord is the immutable description of one confirmed violation
type ViolationRecord struct {
	RunID        string    `json:"run_id"`
	TrackID      int64     `json:"track_id"`
	ZoneName     string    `json:"zone_name"`
	ClassLabel   string    `json:"class_label"`
	Confidence   float64   `json:"confidence"`
	BoundingBox  [4]int    `json:"bounding_box"`
	FrameSeq     uint64    `json:"frame_seq"`
	Timestamp    time.Time `json:"timestamp"`
	SnapshotPath string    `json:"snapshot_file"`
}

// RunCommand asks the runner to start or stop a detection run
type RunCommand struct {
	RunID       string        `json:"run_id"`
	Action      CommandAction `json:"action"`
	VideoSource string        `json:"video_source,omitempty"`
	ZonesPath   string        `json:"zones_path,omitempty"`
}

// RunStatus is the authoritative state of the detector, as shown to dashboards
type RunStatus struct {
	State      RunState  `json:"state"`
	RunID      string    `json:"id"`
	Source     string    `json:"source,omitempty"`
	Frame      uint64    `json:"frame"`
	Violations int       `json:"violations"`
	FPS        float64   `json:"fps,omitempty"` // average over a finished run
	Stalled    bool      `json:"stalled,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Heartbeat struct {
	RunID     string    `json:"RunID"`
	State     RunState  `json:"State"`
	Frame     int64     `json:"Frame"`
	Stalled   bool      `json:"Stalled"`
	TimeStamp time.Time `json:"TimeStamp"`
}

// Run is the persisted row of a detection run
type Run struct {
	ID          string    `json:"id"`
	State       RunState  `json:"state"`
	VideoSource string    `json:"video_source"`
	Violations  int       `json:"violations"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
