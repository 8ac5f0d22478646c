package gateway

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/merge"
	"github.com/anqori/anchorwatch/protocol"
)

const (
	statePayloadDetail  = "boatId and object statePatch/patch required (nested object or dot-path map); if msgType is provided it must be status.patch"
	configPayloadDetail = "boatId, integer version>=0, and object patch/configPatch required (nested object or dot-path map); if msgType is provided it must be config.patch"
)

// readBody decodes a JSON body. ok is false when the body was not valid
// JSON; a valid non-object body decodes to an empty map.
func (s *Server) readBody(r *http.Request) (protocol.Map, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil || int64(len(raw)) > s.cfg.MaxBodyBytes {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	body, _ := v.(protocol.Map)
	if body == nil {
		body = protocol.Map{}
	}
	return body, true
}

// extractPatch returns the first present key at the top level, then inside
// payload. Presence counts even when the value is null.
func extractPatch(body protocol.Map, keys ...string) any {
	for _, k := range keys {
		if v, ok := body[k]; ok {
			return v
		}
	}
	payload, ok := body["payload"].(protocol.Map)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			return v
		}
	}
	return nil
}

func (s *Server) queryBoatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	boatID := r.URL.Query().Get("boatId")
	if boatID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "boatId query param required")
		return "", false
	}
	if !s.inScope(boatID) {
		s.writeScopeError(w)
		return "", false
	}
	return boatID, true
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	boatID, ok := s.queryBoatID(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.State(r.Context(), boatID)
	if errors.Is(err, errors.ErrKeyNotFound) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no state for boatId")
		return
	}
	if err != nil {
		s.writeFailure(w, "GetState", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"ver":      protocol.Version,
		"msgType":  protocol.TypeStatusSnapshot,
		"boatId":   boatID,
		"deviceId": entry.UpdatedBy,
		"ts":       entry.UpdatedAt,
		"payload": map[string]any{
			"snapshot":  entry.Snapshot,
			"updatedAt": entry.UpdatedAt,
		},
		"snapshot":  entry.Snapshot,
		"updatedAt": entry.UpdatedAt,
		"updatedBy": entry.UpdatedBy,
	})
}

func (s *Server) handlePostState(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "")
		return
	}
	boatID := protocol.String(body, "boatId")
	if !s.inScope(boatID) {
		s.writeScopeError(w)
		return
	}
	msgType := protocol.String(body, "msgType")
	patch, err := protocol.NormalizePatch(extractPatch(body, "statePatch", "patch"))
	if boatID == "" || (msgType != "" && msgType != protocol.TypeStatusPatch) || err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", statePayloadDetail)
		return
	}

	ts := merge.Timestamp(body["ts"], s.now())
	if _, err := s.engine.SubmitState(r.Context(), boatID, protocol.String(body, "deviceId"), ts, patch); err != nil {
		s.writeFailure(w, "PostState", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"accepted":  true,
		"boatId":    boatID,
		"updatedAt": ts,
		"mode":      "latest-state",
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	boatID, ok := s.queryBoatID(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.Config(r.Context(), boatID)
	if errors.Is(err, errors.ErrKeyNotFound) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no config for boatId")
		return
	}
	if err != nil {
		s.writeFailure(w, "GetConfig", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"ver":      protocol.Version,
		"msgType":  protocol.TypeConfigSnapshot,
		"boatId":   boatID,
		"deviceId": entry.UpdatedBy,
		"ts":       entry.UpdatedAt,
		"payload": map[string]any{
			"version":   entry.Version,
			"config":    entry.Snapshot,
			"updatedAt": entry.UpdatedAt,
		},
		"version":   entry.Version,
		"config":    entry.Snapshot,
		"updatedAt": entry.UpdatedAt,
		"updatedBy": entry.UpdatedBy,
	})
}

// configVersion reads body.version, falling back to payload.version. It must
// be a whole number >= 0.
func configVersion(body protocol.Map) (int64, bool) {
	raw, present := body["version"]
	if !present || raw == nil {
		if payload, ok := body["payload"].(protocol.Map); ok {
			raw = payload["version"]
		}
	}
	v, ok := protocol.Finite(raw)
	if !ok || v < 0 || v != math.Trunc(v) || v > math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "")
		return
	}
	boatID := protocol.String(body, "boatId")
	if !s.inScope(boatID) {
		s.writeScopeError(w)
		return
	}
	msgType := protocol.String(body, "msgType")
	patch, err := protocol.NormalizePatch(extractPatch(body, "patch", "configPatch"))
	version, versionOK := configVersion(body)
	if boatID == "" || (msgType != "" && msgType != protocol.TypeConfigPatch) || !versionOK || err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", configPayloadDetail)
		return
	}

	ts := merge.Timestamp(body["ts"], s.now())
	_, err = s.engine.SubmitConfig(r.Context(), boatID, protocol.String(body, "deviceId"), ts, version, patch)
	var conflict *merge.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeError(w, http.StatusConflict, "VERSION_CONFLICT", conflict.Error())
		return
	case err != nil:
		s.writeFailure(w, "PostConfig", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"accepted":  true,
		"boatId":    boatID,
		"version":   version,
		"updatedAt": ts,
		"mode":      "latest-config",
	})
}

// parseSince follows the relay's lenient query parsing: a missing or empty
// value means 0, anything non-numeric means no filter.
func parseSince(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		zero := int64(0)
		return &zero
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	since := int64(math.Ceil(f))
	return &since
}

// parseLimit floors numeric values and clamps them to 1..10000; missing or
// non-numeric values take the default.
func parseLimit(raw string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return merge.DefaultTrackLimit
	}
	f = math.Floor(f)
	switch {
	case f < 1:
		return 1
	case f > merge.MaxTrackLimit:
		return merge.MaxTrackLimit
	}
	return int(f)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	boatID, ok := s.queryBoatID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	tracks, err := s.engine.Tracks(r.Context(), boatID, parseSince(q.Get("sinceTs")), parseLimit(q.Get("limit")))
	if err != nil {
		s.writeFailure(w, "Tracks", err)
		return
	}
	points := tracks.Points
	if points == nil {
		points = []protocol.TrackPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"ver":      protocol.Version,
		"msgType":  protocol.TypeTrackSnapshot,
		"boatId":   boatID,
		"deviceId": "cloud",
		"ts":       s.now().UnixMilli(),
		"payload": map[string]any{
			"points":         points,
			"totalPoints":    tracks.Total,
			"returnedPoints": len(points),
			"builtFrom":      merge.TrackSource,
		},
		"points": points,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "")
		return
	}
	if !s.inScope(protocol.String(body, "boatId")) {
		s.writeScopeError(w)
		return
	}
	msgType := protocol.String(body, "msgType")
	if msgType == "" {
		msgType = protocol.String(body, "type")
	}
	switch {
	case strings.HasPrefix(msgType, "status."):
		s.writeError(w, http.StatusConflict, "WRONG_ENDPOINT", "status updates must use /v1/state")
		return
	case strings.HasPrefix(msgType, "config."):
		s.writeError(w, http.StatusConflict, "WRONG_ENDPOINT", "config updates must use /v1/config")
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	s.logger.Debug("event accepted", "msg_type", msgType, "boat_id", protocol.String(body, "boatId"))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"accepted":   true,
		"receivedAt": s.now().UnixMilli(),
		"type":       msgType,
		"mode":       "event-only",
	})
}
