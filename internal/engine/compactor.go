package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/fabula/internal/story"
	"github.com/MrWong99/fabula/pkg/provider/llm"
)

// summaryPrompt is the instruction head of the summary revision call.
const summaryPrompt = `Revise the summary for a roleplaying chat game, highlighting the information relevant to the story progression and relationships between characters.

DO NOT include the story setup, characters' personalities and relationships from the [CHARACTERS] section: it's a well-known information.
ONLY include the story progression since the previous revision.

The summary should be concise (under %d tokens), coherent, and omit any irrelevant details.
Characters are aware of time, and the time is a crucial part of the summary.

Make special effort to highlight the current story progression and relationships between characters happening in the new messages.
Pay attention to details which could be important later.
Pay special attention to the main character, <%s>.

A message ends with a newline.
Narrations in messages are wrapped in [].`

// compactionPlan is the outcome of the threshold scan: the messages to fold
// into the summary and the checkpoint they fold up to.
type compactionPlan struct {
	// toSummarise is the buffer prefix that leaves verbatim history,
	// exclusive of the boundary message.
	toSummarise []story.Message

	// checkpoint is the id of the oldest message retained verbatim.
	checkpoint int64
}

// planCompaction decides whether the buffer needs folding. The buffer must be
// in ascending id order and include the just-appended message. A total at or
// under hardLimit returns nil: compaction is deferred, no model call happens.
// Otherwise the scan walks backward from the newest message until the
// retained suffix first reaches softLimit; everything older is summarised.
func planCompaction(buffer []story.Message, softLimit, hardLimit int) *compactionPlan {
	total := 0
	for _, m := range buffer {
		total += m.TokenLength
	}
	if total <= hardLimit {
		return nil
	}

	retained := 0
	boundary := len(buffer) - 1
	for ; boundary >= 0; boundary-- {
		retained += buffer[boundary].TokenLength
		if retained >= softLimit {
			break
		}
	}
	if boundary <= 0 {
		// The whole buffer is needed to reach the soft limit; nothing older
		// to fold.
		return nil
	}

	return &compactionPlan{
		toSummarise: buffer[:boundary],
		checkpoint:  buffer[boundary].ID,
	}
}

// compactor folds the oldest part of an oversized buffer into the rolling
// summary with one model call.
type compactor struct {
	provider   llm.Provider
	softLimit  int
	hardLimit  int
	budget     int // summary size the prompt asks for
	replyLimit int // completion cap of the revision call
}

// summarise runs the summary revision call for a prepared plan and returns
// the replacement summary text.
func (c *compactor) summarise(ctx context.Context, st *story.Story, cast []story.Character, plan *compactionPlan) (string, error) {
	byID := make(map[int64]story.Character, len(cast))
	for _, ch := range cast {
		byID[ch.ID] = ch
	}

	var human story.Character
	for _, ch := range cast {
		if ch.ID == st.HumanCharID {
			human = ch
			break
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, summaryPrompt, c.budget, human.Name)
	if st.Setup != "" {
		b.WriteString("\n\n[SETUP]\n")
		b.WriteString(st.Setup)
	}
	b.WriteString("\n\n[CHARACTERS]\n")
	for i, ch := range cast {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[[%s]]\n%s", ch.Name, ch.Sheet(true))
	}

	if prev := st.SummaryOrFabula(); prev != "" {
		b.WriteString("\n\n[OLD SUMMARY]\n")
		b.WriteString(prev)
	}

	b.WriteString("\n\n[NEW LINES]\n")
	for _, m := range plan.toSummarise {
		fmt.Fprintf(&b, "<%s> (%s): %s\n", byID[m.CharID].Name, timestamp(m.CreatedAt), m.Text)
	}
	b.WriteString("[NEW SUMMARY]\n")

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens: c.replyLimit,
	})
	if err != nil {
		return "", fmt.Errorf("engine: summary revision: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("engine: summary revision returned no text")
	}
	return summary, nil
}

// timeNow is swappable in tests.
var timeNow = time.Now
