package backup

import "errors"

var (
	// ErrInvalidMagic indicates the file is not an otpctl backup.
	ErrInvalidMagic = errors.New("backup: not a backup file")

	// ErrUnsupportedVersion indicates the backup was written by a newer
	// format version.
	ErrUnsupportedVersion = errors.New("backup: unsupported format version")

	// ErrIntegrityFailed indicates the outer HMAC did not verify; the file
	// was modified or the password is wrong.
	ErrIntegrityFailed = errors.New("backup: integrity check failed")

	// ErrEmptyPassword indicates no password was supplied.
	ErrEmptyPassword = errors.New("backup: password must not be empty")

	// ErrTruncated indicates the file ends before the declared content.
	ErrTruncated = errors.New("backup: file truncated")
)
