package domain

import (
	"fmt"
	"math/rand/v2"
)

var slugAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "cosmic", "crimson", "daring",
	"eager", "fuzzy", "gentle", "golden", "happy", "keen", "lively", "lucky",
	"mellow", "nimble", "quiet", "rapid", "silver", "sunny", "swift", "vivid",
}

var slugNouns = []string{
	"aurora", "breeze", "canyon", "comet", "falcon", "forest", "glacier",
	"harbor", "lagoon", "meadow", "nebula", "otter", "prairie", "raven",
	"reef", "ridge", "river", "sparrow", "summit", "tundra", "valley", "wave",
}

// NewProjectName returns a random two-word slug like "swift-lagoon".
// Project names do not need to be unique; collisions are harmless.
func NewProjectName() string {
	return fmt.Sprintf("%s-%s",
		slugAdjectives[rand.IntN(len(slugAdjectives))],
		slugNouns[rand.IntN(len(slugNouns))],
	)
}
