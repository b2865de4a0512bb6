package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/fabula/internal/story"
	"github.com/MrWong99/fabula/pkg/provider/llm"
)

// framingEntry opens every prompt.
const framingEntry = "The following is a turn-based roleplaying chat game."

// openingEntry replaces the conversation when the buffer is empty.
const openingEntry = "The AI has to start the game."

// formatRules is the tail of the instruction entry: output format and story
// direction. The instruction entry is always last in the prompt so it has
// maximal recency weight.
const formatRules = `If the character has nothing to say, respond with a narration.
AVOID REPETITION.

Characters are aware of time.
Current time is %s.

Keep the story engaging, consistent, coherent, life-like and immersive with details.
Include characters' interests, desires, and goals.
Give freedom to characters' fantasies and imagination.
Develop the story if the main character is struggling to find a way to continue.
SURPRISE THE AUDIENCE.
Give freedom to characters' emotions.
If a character has strong will, let them act on it.

Respond with a single message from a single character.
Start the message with the character's name in angle brackets, followed by a colon and a space.
Narrations are wrapped in [], and ONLY in [].
Any other formatting is NOT allowed.
The message MUST NOT contain newlines NOR timestamps NOR quotes ("").
Keep the message fairly short (under %d tokens).

Example messages would be:

<John>: Hello! [John waves.] How are you?
<Mary Jane>: [Mary welcomes John.] I'm fine, thanks. How are you?
<John>: I'm fine, thanks. [John looks at Mary with joy.] What are you doing here?
<Mary Jane>: [Mary looks at John with a blank expression.]`

// contextInput bundles what the assembler needs for one generation.
type contextInput struct {
	story           *story.Story
	cast            []story.Character // full cast including the narrator
	speaker         story.Character   // the character generating the next line
	buffer          []story.Message   // unsummarised messages, ascending
	replyTokenLimit int
	now             time.Time
}

// timestamp renders a message time the way the conversation entries and the
// instruction entry expect it.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// assembleContext builds the ordered, role-tagged prompt for one turn. Entry
// order is fixed: framing, scenario setup, per-cast character sheets, summary
// (or fabula), the buffered conversation, and the instruction entry last.
// Only the acting speaker's sheet carries the private personality; every
// other cast member contributes their public bio.
func assembleContext(in contextInput) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.cast)+len(in.buffer)+4)

	msgs = append(msgs, llm.Message{Role: "system", Content: framingEntry})

	if in.story.Setup != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Initial setup of the story:\n" + in.story.Setup,
		})
	}

	byID := make(map[int64]story.Character, len(in.cast))
	for _, c := range in.cast {
		byID[c.ID] = c
		sheet := c.Sheet(c.ID == in.speaker.ID)
		if sheet == "" {
			continue
		}
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("Character sheet for <%s>: %s", c.Name, sheet),
		})
	}

	if s := in.story.SummaryOrFabula(); s != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Summary of the previous events: " + s,
		})
	}

	if len(in.buffer) == 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: openingEntry})
	} else {
		// Narration replays as the model's own voice. Every character line,
		// human or generated, replays as a named user entry with a timestamp
		// so the model can tell whose line is whose and when it was said.
		for _, m := range in.buffer {
			if m.CharID == story.NarratorID {
				msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Text})
				continue
			}
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Name:    promptName(byID[m.CharID].Name),
				Content: fmt.Sprintf("(%s) %s", timestamp(m.CreatedAt), m.Text),
			})
		}
	}

	msgs = append(msgs, llm.Message{Role: "system", Content: instructionEntry(in)})
	return msgs
}

// instructionEntry builds the trailing system entry: who speaks, who the main
// character is, and the output format rules.
func instructionEntry(in contextInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Respond with a SINGLE message as if you are <%s>.\n", in.speaker.Name)

	var human story.Character
	for _, c := range in.cast {
		if c.ID == in.story.HumanCharID {
			human = c
			break
		}
	}
	fmt.Fprintf(&b, "<%s> is the main character of the story, so keep the story focused on them.\n\n", human.Name)

	fmt.Fprintf(&b, formatRules, timestamp(in.now), in.replyTokenLimit)
	return b.String()
}

// promptName converts a display name into the identifier form the backend
// accepts for named user entries.
func promptName(name string) string {
	return strings.Join(strings.Fields(name), "_")
}
