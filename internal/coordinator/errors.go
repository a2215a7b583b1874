package coordinator

import (
	"context"
	"errors"

	"github.com/dreamware/cloudsim/internal/network"
	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/storage"
	"github.com/dreamware/cloudsim/internal/transfer"
)

// Error categories reported to operators
const (
	CategoryOK                   = "OK"
	CategoryChunkUnavailable     = "ChunkUnavailable"
	CategoryOutOfSpace           = "OutOfSpace"
	CategoryNotFound             = "NotFound"
	CategoryAddressPoolExhausted = "AddressPoolExhausted"
	CategoryUnreachable          = "Unreachable"
	CategoryDeliveryFailed       = "DeliveryFailed"
	CategoryMethodNotFound       = "MethodNotFound"
	CategoryNoAvailableNodes     = "NoAvailableNodes"
	CategoryTimeout              = "Timeout"
	CategoryTransferFailed       = "TransferFailed"
	CategoryInternal             = "Internal"
)

// categories is checked in order; the first match wins.
// ChunkUnavailable comes first because it wraps the error that caused it.
var categories = []struct {
	err  error
	name string
}{
	{ErrChunkUnavailable, CategoryChunkUnavailable},
	{storage.ErrOutOfSpace, CategoryOutOfSpace},
	{storage.ErrNotFound, CategoryNotFound},
	{ErrFileNotFound, CategoryNotFound},
	{network.ErrAddressPoolExhausted, CategoryAddressPoolExhausted},
	{rpc.ErrUnreachable, CategoryUnreachable},
	{network.ErrDeliveryFailed, CategoryDeliveryFailed},
	{rpc.ErrMethodNotFound, CategoryMethodNotFound},
	{ErrNoAvailableNodes, CategoryNoAvailableNodes},
	{rpc.ErrTimeout, CategoryTimeout},
	{context.DeadlineExceeded, CategoryTimeout},
	{transfer.ErrTransferFailed, CategoryTransferFailed},
}

// Category maps err to the single category name shown for a failed command.
// A nil error is "OK"; anything unrecognized is "Internal".
func Category(err error) string {
	if err == nil {
		return CategoryOK
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return CategoryInternal
}
