package changebus

// Metrics receives change bus counters. observability.Metrics implements it.
type Metrics interface {
	SignalPublished(kind string)
	SignalDropped(reason string)
	SignalCoalesced()
	PublishRetried()
	PublishFailed()
}

type noopMetrics struct{}

func (noopMetrics) SignalPublished(string) {}
func (noopMetrics) SignalDropped(string)   {}
func (noopMetrics) SignalCoalesced()       {}
func (noopMetrics) PublishRetried()        {}
func (noopMetrics) PublishFailed()         {}
