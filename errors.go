package vault

import (
	"errors"
	"fmt"
)

// Stage names the workflow step that failed.
type Stage string

const (
	StageEncrypting      Stage = "encrypting"
	StageStoring         Stage = "storing"
	StagePersisting      Stage = "persisting"
	StageRegistering     Stage = "registering"
	StagePermissionCheck Stage = "permission-checking"
	StageGranting        Stage = "granting"
	StageRevoking        Stage = "revoking"
	StageLocating        Stage = "locating"
	StageFetching        Stage = "fetching"
	StageDecrypting      Stage = "decrypting"
	StageDestroying      Stage = "destroying"
)

var (
	ErrClosed    = errors.New("vault: closed")
	ErrNotOwner  = errors.New("vault: caller does not own the file")
	ErrIntegrity = errors.New("vault: content hash mismatch")
	ErrNoShare   = errors.New("vault: permission carries no share key")
)

// StageError is a fatal workflow failure together with the step it happened
// in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("vault: %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the failing stage of err, if it carries one.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
