// Package changebus delivers opaque change signals to the sessions of one
// organization.
//
// A ChangeSignal says only that an entity changed. It never carries content
// or visibility data, so every subscriber has to re-query through the
// authorized read path to learn what it may see.
//
// Each subscription owns a bounded queue. Publishing never blocks: signals
// for an entity that is already queued replace the queued entry, and a full
// queue either drops its oldest entry and schedules a resync signal
// (DropOldest) or closes the subscription (Disconnect).
//
// RedisTransport extends the bus across replicas through Redis pub/sub.
package changebus
