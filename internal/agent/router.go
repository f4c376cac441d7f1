package agent

// Decision tells the loop whether to invoke the agent again.
type Decision int

const (
	// Continue means the task is unfinished; invoke the agent again.
	Continue Decision = iota
	// Stop means the agent declared completion; exit the loop.
	Stop
)

// Route inspects shared state before each iteration. The agent declaring a
// summary is the only completion signal; everything else continues until the
// iteration cap.
func Route(state *RunState) Decision {
	if state.Summary != "" {
		return Stop
	}
	return Continue
}
