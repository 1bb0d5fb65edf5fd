package transfer

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkg/sftp"

	"github.com/gluk-w/easyscp-core/internal/session"
)

var (
	ErrTransferFailed   = errors.New("transfer failed")
	ErrPathNotFound     = errors.New("path not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// TransferError reports a failed upload or download. BytesCompleted is the
// number of bytes known to have reached the destination; the destination is
// never complete. It matches ErrTransferFailed and whatever Err matches.
type TransferError struct {
	Op             string
	Path           string
	BytesCompleted int64
	Err            error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s failed after %d bytes: %v", e.Op, e.Path, e.BytesCompleted, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

// mapError tags err with ErrPathNotFound or ErrPermissionDenied when the
// remote or local side said so. The original error stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrPermissionDenied) {
		return err
	}
	var se *sftp.StatusError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrPathNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.As(err, &se):
		switch se.Code {
		case uint32(sftp.ErrSSHFxNoSuchFile):
			return fmt.Errorf("%w: %w", ErrPathNotFound, err)
		case uint32(sftp.ErrSSHFxPermissionDenied):
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	return err
}

func isUnsupported(err error) bool {
	var se *sftp.StatusError
	return errors.Is(err, sftp.ErrSSHFxOpUnsupported) ||
		(errors.As(err, &se) && se.Code == uint32(sftp.ErrSSHFxOpUnsupported))
}

// isFatal reports errors a retry cannot fix.
func isFatal(err error) bool {
	return errors.Is(err, ErrPathNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, errRestart) ||
		errors.Is(err, errLocal) ||
		errors.Is(err, session.ErrChannelClosed) ||
		errors.Is(err, session.ErrSessionLost) ||
		errors.Is(err, session.ErrClosed)
}

var (
	// errRestart asks the transfer loop to truncate and start from zero.
	errRestart = errors.New("remote cannot resume")
	errLocal   = errors.New("local file error")
)
