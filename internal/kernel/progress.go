package kernel

// ProgressSink receives intermediate progress events from a generative
// handler's invocation, in strict production order. Dispatch has at
// most one sink per call — it is not a broadcast primitive.
type ProgressSink interface {
	Emit(ProgressEvent)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ProgressEvent)

func (f ProgressSinkFunc) Emit(e ProgressEvent) { f(e) }

// discardSink drops every event; used when dispatch is called without a
// sink. The pipeline still drains the generator fully (it must, to
// reach the final result) — it just has nowhere to forward the
// intermediates, so they are dropped rather than buffered.
type discardSink struct{}

func (discardSink) Emit(ProgressEvent) {}

// drainGenerator consumes env's stream to completion, forwarding every
// progress event to sink (or dropping it if sink is nil), and returns
// the final result or error carried by the terminal StreamItem.
func drainGenerator(env *generatorEnvelope, sink ProgressSink) (any, error) {
	if sink == nil {
		sink = discardSink{}
	}
	for item := range env.stream {
		if item.IsFinal {
			return item.Final, item.Err
		}
		if item.Progress != nil {
			sink.Emit(*item.Progress)
		}
		// Any StreamItem that is neither a recognised progress event nor
		// the terminator is silently ignored, per §4.3 step 4.
	}
	// Channel closed without a terminal item: treat as an empty success.
	return nil, nil
}
