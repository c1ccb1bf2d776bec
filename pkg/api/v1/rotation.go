// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/m2mgate/pkg/api/errors"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

const maxEventBody = 16 << 10

// RotationService is the part of the rotation machine the API drives.
// *rotation.Machine implements it.
type RotationService interface {
	Handle(ctx context.Context, ev rotation.TriggerEvent) error
	Status(ctx context.Context, clientID string) (*rotation.Cycle, error)
}

// RotationRoutes defines the routes for the rotation API.
type RotationRoutes struct {
	service RotationService
}

// RotationRouter creates a router for trigger delivery and cycle status.
func RotationRouter(service RotationService) http.Handler {
	routes := &RotationRoutes{service: service}

	r := chi.NewRouter()
	r.Post("/events", apierrors.ErrorHandler(routes.postEvent))
	r.Get("/clients/{clientID}", apierrors.ErrorHandler(routes.getCycle))
	return r
}

// cycleResponse is the status view of a cycle. Trigger ids are internal.
type cycleResponse struct {
	ClientID   string         `json:"client_id"`
	State      rotation.State `json:"state"`
	WarnAt     string         `json:"warn_at"`
	RotateAt   string         `json:"rotate_at"`
	Generation int            `json:"generation"`
	RotatedAt  string         `json:"rotated_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

func newCycleResponse(c *rotation.Cycle) cycleResponse {
	resp := cycleResponse{
		ClientID:   c.ClientID,
		State:      c.State,
		WarnAt:     c.WarnAt.UTC().Format(time.RFC3339),
		RotateAt:   c.RotateAt.UTC().Format(time.RFC3339),
		Generation: c.Generation,
		LastError:  c.LastError,
	}
	if !c.RotatedAt.IsZero() {
		resp.RotatedAt = c.RotatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// postEvent accepts a trigger event and runs it synchronously.
func (rr *RotationRoutes) postEvent(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		return httperr.WithCode(fmt.Errorf("failed to read request body: %w", err), http.StatusBadRequest)
	}

	ev, err := rotation.ParseTriggerEvent(body)
	if err != nil {
		return httperr.WithCode(err, http.StatusBadRequest)
	}

	if err := rr.service.Handle(r.Context(), ev); err != nil {
		return httperr.WithCode(fmt.Errorf("rotation %s for %s: %w", ev.Action, ev.ClientID, err), http.StatusBadGateway)
	}

	w.WriteHeader(http.StatusAccepted)
	return nil
}

// getCycle returns the client's current cycle.
func (rr *RotationRoutes) getCycle(w http.ResponseWriter, r *http.Request) error {
	clientID := chi.URLParam(r, "clientID")

	cycle, err := rr.service.Status(r.Context(), clientID)
	if errors.Is(err, rotation.ErrCycleNotFound) {
		return httperr.WithCode(fmt.Errorf("no rotation cycle for %s", clientID), http.StatusNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load rotation cycle: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(newCycleResponse(cycle))
}
