package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/gridsync/audit"
	"github.com/hazyhaar/gridsync/auth"
	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/idgen"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/protocol"
	"github.com/hazyhaar/gridsync/shield"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeReason(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, protocol.Error{Reason: reason})
}

// writeMutationError picks the status for an engine error and logs storage
// failures.
func (s *Server) writeMutationError(w http.ResponseWriter, r *http.Request, err error) {
	reason := errorReason(err)
	code := http.StatusBadRequest
	switch reason {
	case ReasonNotFound:
		code = http.StatusNotFound
	case ReasonUnavailable:
		code = http.StatusServiceUnavailable
	case ReasonStorage:
		code = http.StatusInternalServerError
		shield.GetLogger(r.Context()).Error("gateway: mutation failed", "error", err)
	}
	writeReason(w, code, reason)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "instance_id": s.hub.InstanceID()})
}

func (s *Server) handleGrid(w http.ResponseWriter, _ *http.Request) {
	cells := s.engine.Grid()
	if cells == nil {
		cells = []cellstore.Cell{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"width":  s.engine.Width(),
		"height": s.engine.Height(),
		"cells":  cells,
	})
}

func (s *Server) handleGridBinary(w http.ResponseWriter, _ *http.Request) {
	b := s.engine.ExportBinary()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("X-Grid-Width", strconv.Itoa(s.engine.Width()))
	w.Header().Set("X-Grid-Height", strconv.Itoa(s.engine.Height()))
	w.Write(b)
}

func (s *Server) handleCell(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil {
		writeReason(w, http.StatusBadRequest, ReasonBadRequest)
		return
	}
	if !s.engine.InBounds(x, y) {
		writeReason(w, http.StatusBadRequest, ReasonOutOfBounds)
		return
	}
	c, ok := s.engine.Cell(x, y)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"x": x, "y": y, "empty": true})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWriter(w http.ResponseWriter, r *http.Request) {
	ws, err := s.engine.Writer(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if s.handshaker == nil {
		writeReason(w, http.StatusNotFound, ReasonNotFound)
		return
	}
	var req auth.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observer.Handshake("bad_request")
		writeReason(w, http.StatusBadRequest, "bad_request")
		return
	}
	res, err := s.handshaker.Handshake(r.Context(), req)
	if err != nil {
		reason := auth.Reason(err)
		s.observer.Handshake(reason)
		code := http.StatusUnauthorized
		switch reason {
		case "bad_request":
			code = http.StatusBadRequest
		case "gate_unavailable", "replay_backend_unavailable":
			code = http.StatusServiceUnavailable
		case "internal":
			code = http.StatusInternalServerError
			shield.GetLogger(r.Context()).Error("gateway: handshake failed", "error", err)
		}
		writeReason(w, code, reason)
		return
	}
	s.observer.Handshake("ok")
	auth.SetTokenCookie(w, res.Token, res.ExpiresAt, s.secure(r))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.issuer == nil || s.adminHash == "" {
		writeReason(w, http.StatusNotFound, ReasonNotFound)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, http.StatusBadRequest, "bad_request")
		return
	}
	res, err := auth.AdminLogin(s.issuer, s.adminHash, req.Password)
	s.record(r, "admin.login", nil, err)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("gateway: admin login rejected")
		writeReason(w, http.StatusUnauthorized, auth.Reason(err))
		return
	}
	auth.SetTokenCookie(w, res.Token, res.ExpiresAt, s.secure(r))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	auth.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) secure(r *http.Request) bool {
	return s.settings.SecureCookies || r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Clear(r.Context(), kit.GetIdentity(r.Context()))
	s.record(r, "grid.clear", nil, err)
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"snapshot_id": id})
}

// handleImport accepts the compact binary export (application/octet-stream)
// or a JSON array of cells.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var cells []cellstore.Cell
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&cells); err != nil {
			writeReason(w, http.StatusBadRequest, ReasonBadRequest)
			return
		}
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeReason(w, http.StatusRequestEntityTooLarge, ReasonBadRequest)
				return
			}
			writeReason(w, http.StatusBadRequest, ReasonBadRequest)
			return
		}
		if cells, err = gridcache.DecodeBinary(body); err != nil {
			writeReason(w, http.StatusBadRequest, errorReason(err))
			return
		}
	}
	id, n, err := s.engine.Import(r.Context(), cells, kit.GetIdentity(r.Context()))
	s.record(r, "grid.import", map[string]int{"cells": len(cells)}, err)
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_id": id, "cells": n})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	snapID, err := idgen.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeReason(w, http.StatusBadRequest, ReasonBadRequest)
		return
	}
	id, n, err := s.engine.Restore(r.Context(), snapID, kit.GetIdentity(r.Context()))
	s.record(r, "grid.restore", map[string]string{"snapshot_id": snapID}, err)
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_id": id, "cells": n})
}

func (s *Server) record(r *http.Request, action string, params any, err error) {
	if s.audit != nil {
		s.audit.Record(r.Context(), action, params, err)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	list, err := s.audit.Recent(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	if list == nil {
		list = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Snapshots(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	if list == nil {
		list = []cellstore.Snapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.RecentPlacements(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	if list == nil {
		list = []cellstore.LogEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"sessions":  s.Len(),
		"admission": s.admit.Snapshot(),
		"fanout":    s.hub.Counters(),
	}
	if s.live != nil {
		resp["tracked"] = s.live.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
