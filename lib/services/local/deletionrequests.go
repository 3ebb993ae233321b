/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package local

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/faceauth/lib/backend"
	"github.com/gravitational/faceauth/lib/utils"
	"github.com/gravitational/faceauth/types"
)

const deletionRequestsPrefix = "deletion_requests"

// DeletionRequestService is the backend-backed deletion request queue.
// State transitions go through compare-and-swap so a concurrent reviewer
// and processor cannot both win.
type DeletionRequestService struct {
	backend.Backend
}

// NewDeletionRequestService returns a deletion request store on the
// given backend.
func NewDeletionRequestService(b backend.Backend) *DeletionRequestService {
	return &DeletionRequestService{Backend: b}
}

// CreateDeletionRequest stores a new request, AlreadyExists on a
// duplicate id.
func (s *DeletionRequestService) CreateDeletionRequest(ctx context.Context, req *types.DeletionRequest) error {
	if err := req.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(req)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Create(ctx, backend.Item{
		Key:   backend.Key(deletionRequestsPrefix, req.ID),
		Value: value,
	})
	return trace.Wrap(err)
}

// GetDeletionRequest returns a request by id or NotFound.
func (s *DeletionRequestService) GetDeletionRequest(ctx context.Context, id string) (*types.DeletionRequest, error) {
	if id == "" {
		return nil, trace.BadParameter("missing deletion request id")
	}
	item, err := s.Get(ctx, backend.Key(deletionRequestsPrefix, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("deletion request %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var req types.DeletionRequest
	if err := utils.FastUnmarshal(item.Value, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return &req, nil
}

// UpdateDeletionRequest overwrites a request without changing its state.
func (s *DeletionRequestService) UpdateDeletionRequest(ctx context.Context, req *types.DeletionRequest) error {
	if err := req.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	existing, err := s.GetDeletionRequest(ctx, req.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	if existing.State != req.State {
		return trace.BadParameter("deletion request state changes must go through CompareAndSwapDeletionRequest")
	}
	value, err := utils.FastMarshal(req)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Update(ctx, backend.Item{
		Key:   backend.Key(deletionRequestsPrefix, req.ID),
		Value: value,
	})
	return trace.Wrap(err)
}

// CompareAndSwapDeletionRequest transitions a request from expected to
// replaceWith, validating the state transition. Returns CompareFailed
// when the stored request no longer matches expected.
func (s *DeletionRequestService) CompareAndSwapDeletionRequest(ctx context.Context, expected, replaceWith *types.DeletionRequest) error {
	if expected.ID == "" || expected.ID != replaceWith.ID {
		return trace.BadParameter("compare and swap across different deletion requests")
	}
	if err := types.CheckDeletionTransition(expected.State, replaceWith.State); err != nil {
		return trace.Wrap(err)
	}
	if err := replaceWith.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	err := compareAndSwapJSON(ctx, s.Backend, backend.Key(deletionRequestsPrefix, expected.ID), expected, replaceWith)
	if trace.IsCompareFailed(err) {
		return trace.CompareFailed("deletion request %q was modified concurrently", expected.ID)
	}
	return trace.Wrap(err)
}

// ListDeletionRequests returns every stored request.
func (s *DeletionRequestService) ListDeletionRequests(ctx context.Context) ([]types.DeletionRequest, error) {
	startKey := backend.ExactKey(deletionRequestsPrefix)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.DeletionRequest, 0, len(result.Items))
	for _, item := range result.Items {
		var req types.DeletionRequest
		if err := utils.FastUnmarshal(item.Value, &req); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, req)
	}
	return out, nil
}
