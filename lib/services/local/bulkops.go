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

const bulkOperationsPrefix = "bulk_operations"

// BulkOperationService is the backend-backed bulk operation registry.
type BulkOperationService struct {
	backend.Backend
}

// NewBulkOperationService returns a bulk operation store on the given
// backend.
func NewBulkOperationService(b backend.Backend) *BulkOperationService {
	return &BulkOperationService{Backend: b}
}

// CreateBulkOperation stores a new operation record.
func (s *BulkOperationService) CreateBulkOperation(ctx context.Context, op *types.BulkOperation) error {
	if op.ID == "" {
		return trace.BadParameter("missing bulk operation id")
	}
	if err := op.Kind.Check(); err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(op)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Create(ctx, backend.Item{
		Key:   backend.Key(bulkOperationsPrefix, op.ID),
		Value: value,
	})
	return trace.Wrap(err)
}

// GetBulkOperation returns an operation by id or NotFound.
func (s *BulkOperationService) GetBulkOperation(ctx context.Context, id string) (*types.BulkOperation, error) {
	if id == "" {
		return nil, trace.BadParameter("missing bulk operation id")
	}
	item, err := s.Get(ctx, backend.Key(bulkOperationsPrefix, id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("bulk operation %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var op types.BulkOperation
	if err := utils.FastUnmarshal(item.Value, &op); err != nil {
		return nil, trace.Wrap(err)
	}
	return &op, nil
}

// UpdateBulkOperation overwrites an operation record.
func (s *BulkOperationService) UpdateBulkOperation(ctx context.Context, op *types.BulkOperation) error {
	if op.ID == "" {
		return trace.BadParameter("missing bulk operation id")
	}
	value, err := utils.FastMarshal(op)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Update(ctx, backend.Item{
		Key:   backend.Key(bulkOperationsPrefix, op.ID),
		Value: value,
	})
	return trace.Wrap(err)
}

// CompareAndSwapBulkOperation transitions an operation from expected to
// replaceWith, validating the state transition.
func (s *BulkOperationService) CompareAndSwapBulkOperation(ctx context.Context, expected, replaceWith *types.BulkOperation) error {
	if expected.ID == "" || expected.ID != replaceWith.ID {
		return trace.BadParameter("compare and swap across different bulk operations")
	}
	if expected.State != replaceWith.State {
		if err := types.CheckBulkTransition(expected.State, replaceWith.State); err != nil {
			return trace.Wrap(err)
		}
	}
	err := compareAndSwapJSON(ctx, s.Backend, backend.Key(bulkOperationsPrefix, expected.ID), expected, replaceWith)
	if trace.IsCompareFailed(err) {
		return trace.CompareFailed("bulk operation %q was modified concurrently", expected.ID)
	}
	return trace.Wrap(err)
}

// ListBulkOperations returns every stored operation.
func (s *BulkOperationService) ListBulkOperations(ctx context.Context) ([]types.BulkOperation, error) {
	startKey := backend.ExactKey(bulkOperationsPrefix)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.BulkOperation, 0, len(result.Items))
	for _, item := range result.Items {
		var op types.BulkOperation
		if err := utils.FastUnmarshal(item.Value, &op); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, op)
	}
	return out, nil
}

// DeleteBulkOperation removes a terminal operation record.
func (s *BulkOperationService) DeleteBulkOperation(ctx context.Context, id string) error {
	op, err := s.GetBulkOperation(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if !op.State.Terminal() {
		return trace.BadParameter("bulk operation %q is still %v", id, op.State)
	}
	return trace.Wrap(s.Delete(ctx, backend.Key(bulkOperationsPrefix, id)))
}
