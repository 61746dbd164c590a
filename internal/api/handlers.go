package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bryanchriswhite/PiPMirror/internal/registry"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/gorilla/mux"
)

// WindowView is the JSON shape of one listed window
type WindowView struct {
	ID          uint32          `json:"id"`
	BundleID    string          `json:"bundle_id"`
	AppName     string          `json:"app_name"`
	Title       string          `json:"title"`
	DisplayName string          `json:"display_name"`
	Label       string          `json:"label"`
	Frame       window.Geometry `json:"frame"`
}

func viewOf(d window.Descriptor, label string) WindowView {
	return WindowView{
		ID:          d.ID,
		BundleID:    d.BundleID(),
		AppName:     d.AppName(),
		Title:       d.Title,
		DisplayName: d.DisplayName(),
		Label:       label,
		Frame:       d.Frame,
	}
}

type openRequest struct {
	WindowID uint32 `json:"window_id"`
}

type openResponse struct {
	Handle registry.Handle `json:"handle"`
	Name   string          `json:"name"`
}

type excludedPayload struct {
	BundleIDs []string `json:"bundle_ids"`
	Custom    bool     `json:"custom"`
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := s.windows.Refresh(r.Context(), s.settings.ExcludedBundleIDs())
	if err != nil {
		s.log.Warn().Err(err).Msg("Window refresh failed")
		writeError(w, discoveryStatus(err), err)
		return
	}

	labels := window.MenuLabels(windows)
	views := make([]WindowView, 0, len(windows))
	for i, d := range windows {
		views = append(views, viewOf(d, labels[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// ApplicationView is one application offered for the exclusion editor
type ApplicationView struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"name"`
	Excluded bool   `json:"excluded"`
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.windows.Applications(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Application listing failed")
		writeError(w, discoveryStatus(err), err)
		return
	}

	excluded := window.ExclusionSet(s.settings.ExcludedBundleIDs())
	views := make([]ApplicationView, 0, len(apps))
	for _, app := range apps {
		_, ex := excluded[app.BundleID]
		views = append(views, ApplicationView{BundleID: app.BundleID, Name: app.Name, Excluded: ex})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	s.writePermission(w, s.windows.CheckPermission(r.Context()))
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	s.writePermission(w, s.windows.RequestPermission(r.Context()))
}

func (s *Server) writePermission(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"granted": true})
		return
	}
	writeJSON(w, discoveryStatus(err), map[string]interface{}{
		"granted": false,
		"error":   err.Error(),
	})
}

func (s *Server) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mirrors.List())
}

func (s *Server) handleOpenMirror(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.WindowID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("window_id is required"))
		return
	}

	windows, err := s.windows.Refresh(r.Context(), s.settings.ExcludedBundleIDs())
	if err != nil {
		writeError(w, discoveryStatus(err), err)
		return
	}
	for _, d := range windows {
		if d.ID != req.WindowID {
			continue
		}
		tgt := target.FromWindow(d)
		s.open(w, r, tgt)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("window %d is not available for capture", req.WindowID))
}

func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	if s.picker == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no content picker available"))
		return
	}
	tgt := s.picker.Present(r.Context())
	if tgt == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.open(w, r, *tgt)
}

func (s *Server) open(w http.ResponseWriter, r *http.Request, tgt target.Target) {
	h, err := s.mirrors.OpenOrFocus(r.Context(), tgt)
	if err != nil {
		s.log.Error().Err(err).Str("target", tgt.Key()).Msg("Failed to open mirror")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{Handle: h, Name: tgt.DisplayName})
}

func (s *Server) handleCloseMirror(w http.ResponseWriter, r *http.Request) {
	h := registry.Handle(mux.Vars(r)["handle"])
	if !s.mirrors.Close(h) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no mirror %s", h))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"closed": s.mirrors.CloseAll()})
}

func (s *Server) handleGetExcluded(w http.ResponseWriter, r *http.Request) {
	s.writeExcluded(w)
}

func (s *Server) handleSetExcluded(w http.ResponseWriter, r *http.Request) {
	var req excludedPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.settings.SetExcludedBundleIDs(req.BundleIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeExcluded(w)
}

func (s *Server) handleResetExcluded(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.ResetExcludedBundleIDs(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeExcluded(w)
}

func (s *Server) writeExcluded(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, excludedPayload{
		BundleIDs: s.settings.ExcludedBundleIDs(),
		Custom:    s.settings.HasCustomExclusions(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"mirrors": len(s.mirrors.List()),
	})
}

// handleEvents streams registry events to a websocket client until it disconnects
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribed before the handshake completes so no event after it is missed
	events := s.mirrors.Subscribe()
	defer s.mirrors.Unsubscribe(events)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-gone:
			return
		}
	}
}
