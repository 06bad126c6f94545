package app

import (
	"errors"
	"net/http"

	"github.com/MrWong99/voxlens/internal/health"
	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/internal/pipeline"
	"github.com/MrWong99/voxlens/internal/transcribe"
	"github.com/MrWong99/voxlens/pkg/features"
)

type featuresResponse struct {
	Recording bool              `json:"recording"`
	Profile   string            `json:"profile"`
	Ticks     uint64            `json:"ticks"`
	Features  features.Features `json:"features"`
	Display   features.Display  `json:"display"`
}

type recordingResponse struct {
	Recording bool `json:"recording"`
}

type transcriptResponse struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Listening  bool   `json:"listening"`
	Restarts   int    `json:"restarts"`
	Transcript string `json:"transcript"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	health.WriteJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *App) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	f := a.pipeline.Latest()
	health.WriteJSON(w, http.StatusOK, featuresResponse{
		Recording: a.Recording(),
		Profile:   a.pipeline.Profile().String(),
		Ticks:     a.pipeline.Ticks(),
		Features:  f,
		Display:   f.Display(),
	})
}

func (a *App) handleFrame(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, a.latestFrame())
}

func (a *App) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := a.StartRecording(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrAlreadyActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	observe.Logger(r.Context()).Info("recording started")
	health.WriteJSON(w, http.StatusOK, recordingResponse{Recording: true})
}

func (a *App) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	a.StopRecording()
	observe.Logger(r.Context()).Info("recording stopped")
	health.WriteJSON(w, http.StatusOK, recordingResponse{Recording: false})
}

func (a *App) transcript() transcriptResponse {
	return transcriptResponse{
		SessionID:  a.session.ID(),
		State:      a.session.State().String(),
		Listening:  a.session.Listening(),
		Restarts:   a.session.Restarts(),
		Transcript: a.session.Transcript(),
	}
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, a.transcript())
}

// handleTranscriptionStart maps a missing provider to 503 and a provider
// that refused the stream to 502.
func (a *App) handleTranscriptionStart(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Start(r.Context()); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, transcribe.ErrProviderUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, transcribe.ErrAlreadyListening):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	health.WriteJSON(w, http.StatusOK, a.transcript())
}

func (a *App) handleTranscriptionStop(w http.ResponseWriter, _ *http.Request) {
	a.session.Stop()
	health.WriteJSON(w, http.StatusOK, a.transcript())
}

func (a *App) handleTranscriptionClear(w http.ResponseWriter, _ *http.Request) {
	a.session.Clear()
	health.WriteJSON(w, http.StatusOK, a.transcript())
}
