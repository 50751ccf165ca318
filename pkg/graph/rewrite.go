package graph

// rewriteForServe adapts a batch pipeline definition for request/response
// execution. Data sources are removed (an external call supplies the initial
// message instead), their consumers are rewired to the entry channel, and any
// pooler feeding only sinks is restricted to single-output behavior so that
// exactly one response completes each external call.
func rewriteForServe(steps []StepSpec) []StepSpec {
	// Collect the channels produced by data sources, then drop the sources.
	removed := make(map[string]struct{})
	kept := steps[:0]
	for _, s := range steps {
		if s.Kind == KindDataSource {
			for _, out := range s.Outputs {
				removed[out] = struct{}{}
			}
			continue
		}
		kept = append(kept, s)
	}

	// Rewire consumers of removed source channels to the entry channel.
	for i := range kept {
		for j, in := range kept[i].Inputs {
			if _, gone := removed[in]; gone {
				kept[i].Inputs[j] = EntryChannel
			}
		}
	}

	// A terminal pooler would otherwise emit zero or many messages per
	// injected request; force one combined message per invocation.
	for i := range kept {
		if kept[i].Kind != KindPooler || !feedsOnlySinks(kept, kept[i]) {
			continue
		}
		if kept[i].Params == nil {
			kept[i].Params = Params{}
		}
		kept[i].Params["mode"] = PoolModeWindow
		kept[i].Params["window_size"] = 1
		kept[i].Params["stride"] = 1
	}

	return kept
}

// feedsOnlySinks reports whether every consumer of the pooler's outputs is a
// sink step. Such a pooler is terminal: nothing downstream re-aggregates its
// output before it reaches the caller.
func feedsOnlySinks(steps []StepSpec, pooler StepSpec) bool {
	for _, out := range pooler.Outputs {
		for _, s := range steps {
			for _, in := range s.Inputs {
				if in == out && s.Kind != KindSink {
					return false
				}
			}
		}
	}
	return true
}
