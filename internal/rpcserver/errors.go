package rpcserver

import (
	"errors"

	"github.com/dorabot/dorabot/internal/gatewayerr"
)

// errorToResponse maps a core error to the closed {code, message} set the
// spec fixes for the wire protocol, defaulting to ErrInternal for anything
// the taxonomy doesn't name.
func errorToResponse(id []byte, err error) *response {
	switch {
	case errors.Is(err, gatewayerr.ErrUnauthenticated):
		return newError(id, codeUnauthenticated, err.Error())
	case errors.Is(err, gatewayerr.ErrUnknownMethod):
		return newError(id, codeMethodNotFound, err.Error())
	case errors.Is(err, gatewayerr.ErrInvalidParams):
		return newError(id, codeInvalidParams, err.Error())
	case errors.Is(err, gatewayerr.ErrNotFound):
		return newError(id, codeNotFound, err.Error())
	case errors.Is(err, gatewayerr.ErrBusy):
		return newError(id, codeBusy, err.Error())
	case errors.Is(err, gatewayerr.ErrPersistence):
		return newError(id, codePersistence, err.Error())
	case errors.Is(err, gatewayerr.ErrSlowConsumer):
		return newError(id, codeSlowConsumer, err.Error())
	case errors.Is(err, gatewayerr.ErrAlreadyResolved):
		return newError(id, codeAlreadyResolved, err.Error())
	default:
		return newError(id, codeInternalError, err.Error())
	}
}
