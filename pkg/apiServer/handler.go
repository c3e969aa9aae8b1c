package apiServer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/accessToken"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/permission"
	"github.com/i5heu/ouroboros-vault/pkg/session"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

const maxJSONBody = 1 << 20

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// authed resolves the session header before calling next.
func (s *Server) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Get(r.Header.Get(headerSession))
		if err != nil {
			s.log.Debug("session rejected", "error", err)
			writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		next(w, r, sess)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	sid, sess, err := s.sessions.Login(req.Email, req.Password)
	if errors.Is(err, encryption.ErrEmptyPassword) || errors.Is(err, encryption.ErrEmptySalt) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	id := sess.Identity()
	writeJSON(w, http.StatusCreated, loginResponse{Session: sid, Identity: id.ID, Email: id.Email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Header.Get(headerSession))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read file: %v", err))
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = fileHeader.Filename
	}
	mimeType := strings.TrimSpace(r.FormValue("mime_type"))
	if mimeType == "" {
		mimeType = strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	}

	key, err := sess.MasterKey()
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	res, err := s.vault.Upload(r.Context(), vault.UploadRequest{
		Owner:     sess.Identity(),
		MasterKey: key,
		Name:      name,
		Mime:      mimeType,
		Content:   payload,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := uploadResponse{File: res.File}
	for _, f := range res.Skipped {
		resp.Skipped = append(resp.Skipped, skippedTier{Tier: f.Tag, Reason: f.Err.Error()})
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	files, err := s.vault.ListFiles(r.Context(), sess.Identity())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if files == nil {
		files = []model.FileRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Files: files})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	key, err := sess.MasterKey()
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.vault.Retrieve(r.Context(), sess.Identity(), key, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeContent(w, res)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := s.vault.Destroy(r.Context(), sess.Identity(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, destroyResponse{
		CiphertextDeleted:  res.CiphertextDeleted,
		PermissionsDeleted: res.PermissionsDeleted,
		Chain:              newChainReport(res.Chain),
	})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	perms, err := s.vault.ListPermissions(r.Context(), sess.Identity(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if perms == nil {
		perms = []model.Permission{}
	}
	writeJSON(w, http.StatusOK, permissionsResponse{Permissions: perms})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := sess.MasterKey()
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	res, err := s.vault.Share(r.Context(), vault.ShareRequest{
		Owner:          sess.Identity(),
		MasterKey:      key,
		FileID:         r.PathValue("id"),
		RecipientEmail: req.Email,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shareResponse{Permission: res.Permission, URL: res.URL})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.vault.Revoke(r.Context(), sess.Identity(), r.PathValue("id"), req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revocationResponse{Revoked: []model.Permission{res.Permission}})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := s.vault.LockFile(r.Context(), sess.Identity(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report := newChainReport(res.Chain)
	writeJSON(w, http.StatusOK, revocationResponse{Revoked: nonNil(res.Locked), Chain: &report})
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := s.vault.Lockdown(r.Context(), sess.Identity())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report := newChainReport(res.Chain)
	writeJSON(w, http.StatusOK, revocationResponse{Revoked: nonNil(res.Revoked), Chain: &report, Notified: res.Notified})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	records, err := s.vault.Evidence(r.Context(), sess.Identity(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []model.MirrorRecord{}
	}
	writeJSON(w, http.StatusOK, evidenceResponse{Records: records})
}

// handleAccess serves a shared file. The share key travels in a header since
// the URL fragment never reaches the server.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token is required")
		return
	}
	shareKey, err := accessToken.DecodeShareKey(r.Header.Get(headerShareKey))
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or malformed "+headerShareKey)
		return
	}
	defer shareKey.Zero()

	res, err := s.vault.RetrieveShared(r.Context(), token, shareKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.File.ID != r.PathValue("id") {
		writeError(w, http.StatusBadRequest, "token is for another file")
		return
	}
	writeContent(w, res)
}

func writeContent(w http.ResponseWriter, res vault.Retrieved) {
	ct := res.File.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
	if disp := mime.FormatMediaType("attachment", map[string]string{"filename": res.File.Name}); disp != "" {
		w.Header().Set("Content-Disposition", disp)
	}
	w.Header().Set("X-Vault-File", res.File.ID)
	w.Header().Set("X-Vault-Storage", string(res.File.StorageType))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

// fail maps a workflow error onto a status code and logs server side faults.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	stage, _ := vault.StageOf(err)

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.log.Log(r.Context(), level, "request failed", "method", r.Method, "path", r.URL.Path, "stage", stage, "status", status, "error", err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, Stage: string(stage)})
}

func statusFor(err error) int {
	var denied *permission.AccessDeniedError
	var allFailed *storage.AllBackendsFailedError
	switch {
	case errors.Is(err, vault.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, accessToken.ErrInvalidToken), errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrUnknown):
		return http.StatusUnauthorized
	case errors.Is(err, accessToken.ErrInvalidURL), errors.Is(err, permission.ErrInvalidGrant):
		return http.StatusBadRequest
	case errors.As(err, &denied), errors.Is(err, vault.ErrNotOwner), errors.Is(err, vault.ErrNoShare), errors.Is(err, encryption.ErrInvalidKey):
		return http.StatusForbidden
	case errors.Is(err, permission.ErrFileNotFound), errors.Is(err, permission.ErrPermissionNotFound), errors.Is(err, model.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, permission.ErrFileNotActive):
		return http.StatusConflict
	case errors.Is(err, vault.ErrIntegrity), errors.Is(err, encryption.ErrDecryption):
		return http.StatusUnprocessableEntity
	case errors.As(err, &allFailed), errors.Is(err, storage.ErrStorageUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func nonNil(p []model.Permission) []model.Permission {
	if p == nil {
		return []model.Permission{}
	}
	return p
}
