package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/jobs"
	"github.com/felipepmaragno/storyforge/internal/provider/transcribe"
)

const maxAudioBytes = 25 << 20

type TranscriptionResponse struct {
	Text    string  `json:"text"`
	Elapsed float64 `json:"elapsed"`
}

// handleTranscription accepts a multipart "file" field, or the raw audio
// as the request body with an audio/* content type.
func (h *Handler) handleTranscription(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	if h.transcriber == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription is not configured")
		return
	}

	audio, format, err := readAudio(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := jobs.CheckBudget(ctx, h.budget, ref.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	res := h.transcriber.Transcribe(ctx, audio, format)

	entry := domain.UsageLogEntry{
		Provider:       h.transcriber.ID(),
		Model:          transcribe.Model,
		ItemType:       domain.ItemTranscription,
		RequestJSON:    res.Request,
		StatusCode:     res.StatusCode,
		ElapsedSeconds: res.Elapsed,
		Error:          res.Error,
		CreatedAt:      time.Now().UTC(),
	}
	entry.SetRef(ref)
	h.usage.Record(ctx, entry)

	if err := res.Err(); err != nil {
		slog.Warn("transcription failed", "user_id", ref.UserID, "error", err)
		writeDomainError(w, err)
		return
	}

	text, err := transcribe.Text(res.Response)
	if err != nil {
		writeDomainError(w, errors.Join(domain.ErrProviderApplication, err))
		return
	}
	writeJSON(w, http.StatusOK, TranscriptionResponse{Text: text, Elapsed: res.Elapsed})
}

func readAudio(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
			return nil, "", errors.New("invalid multipart body")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("file is required")
		}
		defer file.Close()

		audio, err := io.ReadAll(file)
		if err != nil {
			return nil, "", errors.New("failed to read file")
		}
		format := r.FormValue("format")
		if format == "" {
			format = strings.TrimPrefix(filepath.Ext(header.Filename), ".")
		}
		return nonEmpty(audio, format)
	}

	if !strings.HasPrefix(mediaType, "audio/") {
		return nil, "", errors.New("expected multipart/form-data or audio/* body")
	}
	audio, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", errors.New("failed to read body")
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = strings.TrimPrefix(mediaType, "audio/")
	}
	return nonEmpty(audio, format)
}

func nonEmpty(audio []byte, format string) ([]byte, string, error) {
	if len(audio) == 0 {
		return nil, "", errors.New("audio is empty")
	}
	if format == "" {
		return nil, "", errors.New("audio format is required")
	}
	return audio, strings.ToLower(format), nil
}
