package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/minio/pkg/wildcard"
	"github.com/pkg/errors"

	"github.com/voc/camstream/credurl"
	"github.com/voc/camstream/lifecycle"
	"github.com/voc/camstream/process"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
)

type streamList struct {
	Node    string          `json:"node"`
	Active  int             `json:"active"`
	Streams []stream.Status `json:"streams"`
}

type errorResponse struct {
	Error  string         `json:"error"`
	Status *stream.Status `json:"status,omitempty"`
}

func decodeJSON(rd io.Reader, out interface{}) error {
	content, err := io.ReadAll(io.LimitReader(rd, 1048576))
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return errors.New("empty payload")
	}

	return json.Unmarshal(content, out)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusCode maps lifecycle errors onto http codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownCamera):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrCameraDisabled):
		return http.StatusConflict
	case errors.Is(err, credurl.ErrInvalidURL), errors.Is(err, stream.ErrInvalidID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, process.ErrSpawn):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeResult(w http.ResponseWriter, status stream.Status, err error) {
	if err != nil {
		writeJSON(w, statusCode(err), errorResponse{Error: err.Error(), Status: &status})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	match := r.URL.Query().Get("match")
	res := streamList{
		Node:    s.conf.Node,
		Streams: []stream.Status{},
	}
	for _, status := range s.ctrl.Statuses() {
		if match != "" && !wildcard.MatchSimple(match, status.CameraID) {
			continue
		}
		if status.Running {
			res.Active++
		}
		res.Streams = append(res.Streams, status)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status(mux.Vars(r)["id"]))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Start(mux.Vars(r)["id"])
	writeResult(w, status, err)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Restart(mux.Vars(r)["id"])
	writeResult(w, status, err)
}

// handleStop returns immediately, completion is published on the websocket.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ctrl.StopAsync(id); err != nil {
		writeJSON(w, statusCode(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status(id))
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := stream.ValidateID(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	recordings, err := s.ctrl.Layout().List(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if recordings == nil {
		recordings = []segment.Recording{}
	}
	writeJSON(w, http.StatusOK, recordings)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var ev stream.Event
	if err := decodeJSON(r.Body, &ev); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: fmt.Sprintf("parse failed: %s", err.Error())})
		return
	}
	if ev.Kind == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "missing event kind"})
		return
	}
	status, err := s.ctrl.Handle(ev)
	writeResult(w, status, err)
}
