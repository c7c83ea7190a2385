package daemon

import (
	"time"

	"github.com/rs/zerolog"
)

// TransactionEvent is the payload carried by a transaction_created
// notification: the asset identity and trade timestamp of a buy.
type TransactionEvent struct {
	TransactionID int64
	AssetID       int64
	Timestamp     time.Time
}

// Notifier is an in-process stand-in for the transactional database's
// notification channel. The core only needs to subscribe to it; whatever
// drives a buy transaction (out of scope for this subsystem) calls Publish.
type Notifier struct {
	ch  chan TransactionEvent
	log zerolog.Logger
}

// NewNotifier builds a Notifier with a modestly buffered channel so a burst
// of transactions doesn't block the publisher.
func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{
		ch:  make(chan TransactionEvent, 64),
		log: log.With().Str("component", "notifier").Logger(),
	}
}

// Publish delivers an event to the subscriber. Non-blocking: if the
// listener is behind, the event is dropped and logged rather than stalling
// the caller. A dropped event is not redelivered: its asset's tracking count
// is not incremented and no backfill is enqueued for it.
func (n *Notifier) Publish(event TransactionEvent) {
	select {
	case n.ch <- event:
	default:
		n.log.Warn().Int64("transaction_id", event.TransactionID).Msg("notification channel full, dropping event")
	}
}

// Subscribe returns the receive side of the notification channel.
func (n *Notifier) Subscribe() <-chan TransactionEvent {
	return n.ch
}
