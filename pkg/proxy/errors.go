// Copyright 2024-2026 Aiku AI

package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoControlRoom is returned when a link or unlink operation cannot find
// the two-member DM with the platform's bridge bot.
var ErrNoControlRoom = errors.New("bridge conversation not found")

// ErrRoomNotFound is returned by query operations on rooms the session is
// not joined to.
var ErrRoomNotFound = errors.New("room not found")

// ErrSessionNotFound is returned when a request references a user with no
// live session and no credentials to create one.
var ErrSessionNotFound = errors.New("session not found")

// ErrTimeout is returned when a bridge bot conversation produces no
// recognized response before the deadline. Clients treat this as retryable.
var ErrTimeout = errors.New("no response from bridge bot before deadline")

// RemoteFailureError is an explicit failure phrase from a bridge bot,
// classified by one of the platform's response patterns. Status is the HTTP
// status the failure maps to (401 for rejected credentials, 422 for invalid
// input).
type RemoteFailureError struct {
	Status int
	Reason string
}

func (e *RemoteFailureError) Error() string {
	return e.Reason
}

// remoteFailure builds a RemoteFailureError outcome resolver argument.
func remoteFailure(status int, reason string) error {
	return &RemoteFailureError{Status: status, Reason: reason}
}

// BadRequestError marks a client-side validation failure (missing or
// malformed request fields), surfaced as HTTP 400.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

func badRequest(reason string) error {
	return &BadRequestError{Reason: reason}
}

// HTTPStatus maps an error from the orchestrator or query layer to the
// status code the HTTP surface responds with.
func HTTPStatus(err error) int {
	var remote *RemoteFailureError
	var bad *BadRequestError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &remote):
		return remote.Status
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrNoControlRoom),
		errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// wrapSend annotates script send failures with the room and step index.
// Step contents stay out of the error: scripts carry credentials.
func wrapSend(roomID string, step int, err error) error {
	return fmt.Errorf("sending script step %d to %s: %w", step, roomID, err)
}
