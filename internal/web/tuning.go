package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"balancebot/internal/config"
)

// Tuner is the control loop's runtime gain interface.
type Tuner interface {
	ApplyTuning(config.Tuning) error
	Tuning() config.Tuning
}

// TuningStore serves /api/tuning. A POST is applied to the running loop first
// and written to ConfigPath only when the body asks for it with "persist".
type TuningStore struct {
	ConfigPath string
	Tuner      Tuner
}

type TuningResponse struct {
	Tuning config.Tuning `json:"tuning"`
	Saved  bool          `json:"saved,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func (s TuningStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Tuner == nil {
			http.Error(w, "tuning not available", http.StatusNotImplemented)
			return
		}

		switch r.Method {
		case http.MethodGet:
			writeJSON(w, TuningResponse{Tuning: s.Tuner.Tuning()})

		case http.MethodPost:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			t, err := config.DecodeTuning(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.Tuner.ApplyTuning(t); err != nil {
				http.Error(w, fmt.Sprintf("rejected: %v", err), http.StatusBadRequest)
				return
			}

			resp := TuningResponse{Tuning: s.Tuner.Tuning()}
			if t.Persist {
				if strings.TrimSpace(s.ConfigPath) == "" {
					http.Error(w, "applied; not saved (no config path)", http.StatusConflict)
					return
				}
				if err := config.PersistTuning(s.ConfigPath, resp.Tuning); err != nil {
					log.Printf("web tuning save failed path=%s err=%v", s.ConfigPath, err)
					http.Error(w, fmt.Sprintf("applied; save failed: %v", err), http.StatusInternalServerError)
					return
				}
				resp.Saved = true
			}
			writeJSON(w, resp)

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
