package backup

import "errors"

var (
	ErrPackagingFailed      = errors.New("packaging failed")
	ErrEncryptionFailed     = errors.New("encryption failed")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrCorruptArchive       = errors.New("corrupt archive")
	ErrRemoteAuthRequired   = errors.New("remote authentication required")
	ErrRemoteAuthCancelled  = errors.New("remote authentication cancelled")
	ErrUploadFailed         = errors.New("upload failed")
	ErrDownloadFailed       = errors.New("download failed")
	ErrDeleteFailed         = errors.New("delete failed")
	ErrNoBackupExists       = errors.New("no backup exists")
	ErrPasswordRequired     = errors.New("password required")
	ErrNoInternetConnection = errors.New("no internet connection")
	ErrFolderCreationFailed = errors.New("folder creation failed")

	// ErrBusy means another backup or restore holds the provider.
	ErrBusy = errors.New("backup or restore already in progress")
	// ErrDisabled means backups are turned off for the provider.
	ErrDisabled = errors.New("backup disabled")
)
