package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"baatcheet/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Auth.Register(req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Auth.Login(req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, caller models.Principal) {
	writeJSON(w, http.StatusOK, models.MeResponse{User: caller})
}

func (s *Server) handleSetPublicKey(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.PublicKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.opts.Auth.SetPublicKey(caller.ID, req.PublicKey); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request, _ models.Principal) {
	resp, err := s.opts.Auth.PublicKey(r.PathValue("username"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	if err := s.opts.Auth.LogoutAll(caller.ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleAddPushToken(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.PushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.opts.Auth.AddPushToken(caller.ID, req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleRemovePushToken(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.PushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.opts.Auth.RemovePushToken(caller.ID, req.Token); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Rooms.CreateGroup(caller.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.JoinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Rooms.RequestJoin(caller.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.MemberActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Rooms.Approve(caller.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.MemberActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Rooms.Deny(caller.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMyRooms(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	resp, err := s.opts.Rooms.ListMine(caller.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	resp, err := s.opts.Rooms.Members(caller.ID, r.PathValue("roomId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	resp, err := s.opts.Rooms.Info(caller.ID, r.PathValue("roomId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartDirect(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	var req models.StartDirectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Rooms.StartDirect(caller.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	query := r.URL.Query()

	before, err := parseBefore(query.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid before")
		return
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	msgs, err := s.opts.History.GetHistory(caller.ID, r.PathValue("roomId"), before, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.HistoryResponse{Messages: msgs})
}

// parseBefore accepts an RFC 3339 timestamp or Unix milliseconds.
func parseBefore(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	if s.opts.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "Media disabled")
		return
	}
	var req models.UploadURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.opts.Media.UploadURL(r.Context(), caller.ID, req.ContentType)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.opts.Log.Errorf("Presign upload failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Error creating presigned URL")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request, caller models.Principal) {
	if s.opts.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "Media disabled")
		return
	}
	resp, err := s.opts.Media.DownloadURL(r.Context(), caller.ID, r.URL.Query().Get("fileKey"))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.opts.Log.Errorf("Presign download failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Error creating download URL")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
