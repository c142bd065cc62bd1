package batch

import (
	"context"
	"errors"

	"github.com/goclaw/conductor/pkg/notify"
)

// Deliverer writes a finished batch's results back to whoever needs them.
// Delivery errors are logged and never change the batch status.
type Deliverer interface {
	Deliver(ctx context.Context, job *BatchJob) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, job *BatchJob) error

func (f DelivererFunc) Deliver(ctx context.Context, job *BatchJob) error { return f(ctx, job) }

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, *BatchJob) error { return nil }

// DestinationDeliverer sends each item that declares a destination its own
// result through Sink. Items without a destination are left to the batch
// owner's notification.
type DestinationDeliverer struct {
	Sink notify.Sink
}

func (d DestinationDeliverer) Deliver(ctx context.Context, job *BatchJob) error {
	var errs []error
	for _, it := range job.Items {
		if it.Destination == "" {
			continue
		}
		o, ok := job.Results[it.ID]
		if !ok {
			continue
		}
		switch o.Status {
		case ItemSucceeded:
			errs = append(errs, d.Sink.NotifyCompletion(ctx, it.Destination, resultOf(o)))
		case ItemFailed, ItemSkipped:
			detail := o.Error
			if detail == nil {
				detail = &notify.ErrorDetail{Code: CodeCancelled, Message: "item was not processed", EntityID: job.ID}
			}
			errs = append(errs, d.Sink.NotifyError(ctx, it.Destination, detail))
		}
	}
	return errors.Join(errs...)
}

func resultOf(o ItemOutcome) ItemResult {
	return ItemResult{ItemID: o.ItemID, Status: o.Status, Data: o.Data, Error: o.Error}
}
