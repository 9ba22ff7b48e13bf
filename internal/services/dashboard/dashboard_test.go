package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestForward(t *testing.T) {
	got := make(chan models.ViolationRecord, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/violation", r.URL.Path)
		var rec models.ViolationRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		got <- rec
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := models.ViolationRecord{RunID: "r1", TrackID: 3, ZoneName: "zone_1", SnapshotPath: "output/snapshots/a.jpg"}
	require.NoError(t, NewClient(srv.URL).Forward(context.Background(), rec))
	received := <-got
	require.Equal(t, rec.TrackID, received.TrackID)
	require.Equal(t, rec.SnapshotPath, received.SnapshotPath)
}

func TestForwardFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad record", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Forward(context.Background(), models.ViolationRecord{})
	require.ErrorContains(t, err, "bad record")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = NewClient(slow.URL).Forward(ctx, models.ViolationRecord{})
	require.Error(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
