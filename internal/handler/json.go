package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukerupert/walletbackup/internal/backup"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps an engine error to an HTTP status and a stable code the
// CLI can switch on.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, backup.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, backup.ErrDisabled):
		return http.StatusConflict, "disabled"
	case errors.Is(err, backup.ErrPasswordRequired):
		return http.StatusUnprocessableEntity, "password_required"
	case errors.Is(err, backup.ErrInvalidPassword):
		return http.StatusForbidden, "invalid_password"
	case errors.Is(err, backup.ErrNoBackupExists):
		return http.StatusNotFound, "no_backup"
	case errors.Is(err, backup.ErrNoInternetConnection):
		return http.StatusServiceUnavailable, "offline"
	case errors.Is(err, backup.ErrRemoteAuthCancelled):
		return http.StatusUnauthorized, "auth_cancelled"
	case errors.Is(err, backup.ErrRemoteAuthRequired):
		return http.StatusUnauthorized, "auth_required"
	case errors.Is(err, backup.ErrCorruptArchive):
		return http.StatusUnprocessableEntity, "corrupt_archive"
	case errors.Is(err, backup.ErrDecryptionFailed):
		return http.StatusUnprocessableEntity, "decryption_failed"
	case errors.Is(err, backup.ErrPackagingFailed):
		return http.StatusInternalServerError, "packaging_failed"
	case errors.Is(err, backup.ErrEncryptionFailed):
		return http.StatusInternalServerError, "encryption_failed"
	case errors.Is(err, backup.ErrFolderCreationFailed):
		return http.StatusBadGateway, "folder_creation_failed"
	case errors.Is(err, backup.ErrUploadFailed):
		return http.StatusBadGateway, "upload_failed"
	case errors.Is(err, backup.ErrDownloadFailed):
		return http.StatusBadGateway, "download_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
