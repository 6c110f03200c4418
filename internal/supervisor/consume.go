package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

// artifactManifest is the shape of a `type:"artifact"` event's data field.
type artifactManifest struct {
	Title  string `json:"title"`
	Kind   string `json:"kind"`
	MIME   string `json:"mime"`
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}

// consumeLines drains lineCh (closed once both pipes are exhausted),
// writing every line verbatim to its log file and turning it into a Store
// event. It also watches the channel's occupancy to emit a one-shot
// overflow marker if the consumer falls far enough behind the producers.
func (s *Supervisor) consumeLines(parentCtx context.Context, runID string, lineCh chan rawLine, stdoutLog, stderrLog *os.File, lostLease <-chan struct{}) {
	// Output keeps arriving for as long as the child's pipes are open, which
	// outlives parentCtx's cancellation during a graceful shutdown (the
	// child is still draining its SIGTERM grace period). Every write below
	// therefore goes through a context independent of the caller's.
	ctx := context.Background()
	runDir := s.Config.RunDir(runID)
	overflowMarked := false
	lost := false

	for line := range lineCh {
		if lost {
			continue
		}
		select {
		case <-lostLease:
			// The lease is gone; the child is already being hard-killed by
			// watchCancellation. Drain the rest of lineCh without writing
			// anything further, so no output recorded after this point can
			// be mistaken for output this Worker was still authorized to
			// produce (spec.md §4.2 point 5: "discards any further output").
			lost = true
			continue
		default:
		}

		if float64(len(lineCh)) >= overflowThreshold && !overflowMarked {
			overflowMarked = true
			s.appendEvent(ctx, runID, "system", map[string]any{"phase": "event_queue_overflow"})
		} else if len(lineCh) < streamBufferSize/2 {
			overflowMarked = false
		}

		if line.isStderr {
			stderrLog.WriteString(line.text + "\n")
			s.appendEvent(ctx, runID, "stderr", lineEventData(line))
			continue
		}

		stdoutLog.WriteString(line.text + "\n")

		if sl, ok := parseStructured(line.text); ok {
			s.appendEvent(ctx, runID, sl.Type, sl.Data)
			if sl.Type == "artifact" {
				s.recordArtifact(ctx, runID, runDir, sl.Data)
			}
			continue
		}

		s.appendEvent(ctx, runID, "stdout", lineEventData(line))
	}
}

func lineEventData(line rawLine) map[string]any {
	data := map[string]any{"line": line.text}
	if line.truncated {
		data["truncated"] = true
	}
	return data
}

func (s *Supervisor) appendEvent(ctx context.Context, runID, typ string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	seq, err := s.Store.AppendEvent(ctx, runID, typ, raw)
	if err != nil {
		return
	}
	s.Bus.Publish(store.Event{RunID: runID, Seq: seq, TS: time.Now(), Type: typ, Data: raw})
}

// recordArtifact validates that the manifest's path resolves inside the run
// directory before inserting the Artifact row (spec.md §4.3 point 4).
func (s *Supervisor) recordArtifact(ctx context.Context, runID, runDir string, data json.RawMessage) {
	var m artifactManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	if m.Path == "" {
		return
	}

	abs := filepath.Join(runDir, m.Path)
	rel, err := filepath.Rel(runDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		s.appendEvent(ctx, runID, "system", map[string]any{"phase": "artifact_rejected", "reason": "path escapes run directory", "path": m.Path})
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		s.appendEvent(ctx, runID, "system", map[string]any{"phase": "artifact_rejected", "reason": "path does not exist", "path": m.Path})
		return
	}

	fileID := m.FileID
	if fileID == "" {
		fileID = m.Path
	}

	a := &store.Artifact{
		RunID:     runID,
		FileID:    fileID,
		Title:     m.Title,
		Kind:      m.Kind,
		MIME:      m.MIME,
		Path:      rel,
		SizeBytes: info.Size(),
	}
	if a.Kind == "" {
		a.Kind = "binary"
	}
	if a.MIME == "" {
		a.MIME = "application/octet-stream"
	}
	_ = s.Store.InsertArtifact(ctx, a)
}
