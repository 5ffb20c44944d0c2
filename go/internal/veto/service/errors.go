package service

import (
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/veto/go/internal/veto"
)

const errorKindHeader = "Veto-Error-Kind"

// toConnectError maps engine errors to connect codes. The wire kind is
// also sent as a header so clients can tell WrongTurn from MapNotAvailable.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var code connect.Code
	switch {
	case errors.Is(err, veto.ErrSessionNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, veto.ErrUnauthorizedActor):
		code = connect.CodePermissionDenied
	case errors.Is(err, veto.ErrInvalidRequest):
		code = connect.CodeInvalidArgument
	case errors.Is(err, veto.ErrAlreadyStarted):
		code = connect.CodeAlreadyExists
	case errors.Is(err, veto.ErrSessionNotActive),
		errors.Is(err, veto.ErrWrongTurn),
		errors.Is(err, veto.ErrWrongActionKind),
		errors.Is(err, veto.ErrMapNotAvailable):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, veto.ErrPersistenceFailure):
		code = connect.CodeUnavailable
	default:
		code = connect.CodeInternal
	}
	cerr := connect.NewError(code, err)
	cerr.Meta().Set(errorKindHeader, string(veto.KindOf(err)))
	return cerr
}
