// Package server exposes the coordinator to the outside world: an HTTP
// control surface with a WebSocket observer endpoint, and a gRPC Control
// service with a server-streamed snapshot feed.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/Jmolenaartje/Factobox/internal/broadcast"
	"github.com/Jmolenaartje/Factobox/internal/scheduler"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// Coordinator is the surface both transports drive. *controller.Controller
// satisfies it.
type Coordinator interface {
	Submit(resources []types.ResourceType) (types.BuildRequest, error)
	SubmitNames(names []string) (types.BuildRequest, error)
	Cancel(id types.BuildID) (types.BuildRequest, error)
	StartRun() (types.RunState, error)
	StopRun() (types.RunState, error)
	Status() types.Snapshot
	Register(o broadcast.Observer) error
	Unregister(id string)
}

// httpStatus maps coordinator errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidShape), errors.Is(err, types.ErrUnknownResource):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps coordinator errors onto gRPC status codes.
func grpcCode(err error) codes.Code {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
