package voice

import (
	"math/rand/v2"
	"time"
)

// QuickReplySilence pads quick replies so the real answer does not run into them.
const QuickReplySilence = 2000 * time.Millisecond

var defaultQuickReplies = []string{
	"Let me take a look.",
	"Let me check.",
	"One moment, please.",
}

// QuickReply picks a filler utterance spoken while a slow grounded request runs.
func QuickReply() SpokenItem {
	return SpokenItem{
		Text:          defaultQuickReplies[rand.IntN(len(defaultQuickReplies))],
		EndingSilence: QuickReplySilence,
	}
}
