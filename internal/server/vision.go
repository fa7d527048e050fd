package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// maxVisionUpload caps the multipart form size for vision requests. Device
// cameras produce JPEGs well under this.
const maxVisionUpload = 10 << 20

// handleVision serves the vision analysis endpoint: a multipart form with a
// question field and an image file, answered by the configured
// vision-language provider.
func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Vision interface is running. POST a multipart form with a question and an image.")
	case http.MethodPost:
		s.handleVisionPost(w, r)
	default:
		writeVisionError(w, "unsupported method")
	}
}

func (s *Server) handleVisionPost(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("device-id") == "" {
		writeVisionError(w, "missing device-id header")
		return
	}
	if s.vllm == nil {
		writeVisionError(w, "vision provider not configured")
		return
	}
	if err := r.ParseMultipartForm(maxVisionUpload); err != nil {
		s.log.Debug("vision form unreadable", "error", err)
		writeVisionError(w, "invalid multipart form")
		return
	}

	question := r.FormValue("question")
	if question == "" {
		writeVisionError(w, "missing question field")
		return
	}
	image, mimeType, err := firstImagePart(r.MultipartForm)
	if err != nil {
		writeVisionError(w, err.Error())
		return
	}

	answer, err := s.vllm.Explain(r.Context(), question, image, mimeType)
	if err != nil {
		s.log.Error("vision analysis failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordProviderError(r.Context(), "vllm", "explain")
		}
		writeVisionError(w, "vision analysis failed")
		return
	}
	writeJSON(w, map[string]any{"success": true, "result": answer})
}

// firstImagePart returns the bytes and MIME type of the first file in the
// form, whatever field name the firmware chose for it.
func firstImagePart(form *multipart.Form) ([]byte, string, error) {
	for _, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, "", fmt.Errorf("open image part: %w", err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, "", fmt.Errorf("read image part: %w", err)
			}
			mimeType := fh.Header.Get("Content-Type")
			if mimeType == "" {
				mimeType = http.DetectContentType(data)
			}
			return data, mimeType, nil
		}
	}
	return nil, "", fmt.Errorf("missing image file")
}

func writeVisionError(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"success": false, "message": msg})
}
