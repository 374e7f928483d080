package subscription

import (
	"github.com/google/uuid"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

// Dispatch delivers ev to every consumer of its key.
//
// Membership is checked again under the registry lock right before each call,
// so a consumer removed by an earlier callback in the same dispatch, or by
// another goroutine, is skipped. A call that passed the check before the
// removal may still complete; RemoveInterest does not wait for it, since a
// consumer may remove itself from inside its own callback. A panicking
// consumer is logged and does not affect the others.
func (r *Registry) Dispatch(ev models.CandleEvent) {
	key := ev.Candle.Key()

	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	ids := make([]uuid.UUID, len(sub.consumers))
	for i, e := range sub.consumers {
		ids[i] = e.id
	}
	r.mu.Unlock()

	for _, id := range ids {
		consumer, ok := r.lookup(key, id)
		if !ok {
			continue
		}
		r.invoke(key, consumer, ev)
	}
}

func (r *Registry) lookup(key models.StreamKey, id uuid.UUID) (Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return nil, false
	}
	if i := sub.find(id); i >= 0 {
		return sub.consumers[i].consumer, true
	}
	return nil, false
}

func (r *Registry) invoke(key models.StreamKey, consumer Consumer, ev models.CandleEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CallbackErrors.Inc()
			r.logger.WithError(models.NewCallbackError(key, rec)).
				WithField("kind", ev.Kind.String()).
				Error("Consumer callback failed")
		}
	}()
	consumer.OnCandle(ev)
}
