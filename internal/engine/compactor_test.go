package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fabula/internal/story"
	"github.com/MrWong99/fabula/pkg/provider/llm"
	"github.com/MrWong99/fabula/pkg/provider/llm/mock"
)

func messagesWithTokens(lengths ...int) []story.Message {
	msgs := make([]story.Message, len(lengths))
	for i, l := range lengths {
		msgs[i] = story.Message{ID: int64(i + 1), TokenLength: l}
	}
	return msgs
}

func TestPlanCompaction(t *testing.T) {
	const soft, hard = 384, 768

	t.Run("below hard limit is a no-op", func(t *testing.T) {
		buf := messagesWithTokens(100, 100, 100, 100)
		if plan := planCompaction(buf, soft, hard); plan != nil {
			t.Fatalf("plan = %+v, want nil for total 400 <= %d", plan, hard)
		}
	})

	t.Run("exactly at hard limit is a no-op", func(t *testing.T) {
		buf := messagesWithTokens(384, 384)
		if plan := planCompaction(buf, soft, hard); plan != nil {
			t.Fatalf("plan = %+v, want nil for total == hard limit", plan)
		}
	})

	t.Run("crossing hard limit folds the prefix", func(t *testing.T) {
		buf := messagesWithTokens(100, 100, 100, 100, 300, 300)
		plan := planCompaction(buf, soft, hard)
		if plan == nil {
			t.Fatal("expected a compaction plan for total 1000")
		}
		// Backward scan: 300+300 = 600 >= 384 at the fifth message, so the
		// four 100-token messages fold and the checkpoint is the fifth's id.
		if len(plan.toSummarise) != 4 {
			t.Errorf("toSummarise has %d messages, want 4", len(plan.toSummarise))
		}
		if plan.checkpoint != 5 {
			t.Errorf("checkpoint = %d, want 5", plan.checkpoint)
		}
		retained := 0
		for _, m := range buf {
			if m.ID >= plan.checkpoint {
				retained += m.TokenLength
			}
		}
		if retained < soft {
			t.Errorf("retained suffix = %d tokens, want >= %d", retained, soft)
		}
		for _, m := range plan.toSummarise {
			if m.ID >= plan.checkpoint {
				t.Errorf("summarised message %d overlaps the retained suffix", m.ID)
			}
		}
	})

	t.Run("never folds down to nothing", func(t *testing.T) {
		// A single oversized message: the whole buffer is needed to reach the
		// soft limit, so there is nothing older to fold.
		buf := messagesWithTokens(1000)
		if plan := planCompaction(buf, soft, hard); plan != nil {
			t.Fatalf("plan = %+v, want nil when the newest message alone crosses the limits", plan)
		}
	})

	t.Run("oversized newest message folds everything older", func(t *testing.T) {
		buf := messagesWithTokens(50, 900)
		plan := planCompaction(buf, soft, hard)
		if plan == nil {
			t.Fatal("expected a compaction plan")
		}
		if len(plan.toSummarise) != 1 || plan.toSummarise[0].ID != 1 {
			t.Errorf("toSummarise = %+v, want only message 1", plan.toSummarise)
		}
		if plan.checkpoint != 2 {
			t.Errorf("checkpoint = %d, want 2", plan.checkpoint)
		}
	})
}

func TestSummarise_PromptSections(t *testing.T) {
	ctx := context.Background()
	cast := testCast()
	st := testStory()
	st.Setup = "Winter has cut the village off from the capital."
	plan := &compactionPlan{
		toSummarise: []story.Message{
			{ID: 1, CharID: 1, Text: "Good morning!", CreatedAt: time.Unix(1700000000, 0)},
		},
		checkpoint: 2,
	}

	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A fresh summary."}}
	c := &compactor{provider: provider, budget: 256, replyLimit: 512}

	got, err := c.summarise(ctx, st, cast, plan)
	if err != nil {
		t.Fatalf("summarise: %v", err)
	}
	if got != "A fresh summary." {
		t.Errorf("summary = %q", got)
	}

	prompt := provider.CompleteCalls[0].Req.Messages[0].Content
	setupIdx := strings.Index(prompt, "[SETUP]\n"+st.Setup)
	charsIdx := strings.Index(prompt, "\n[CHARACTERS]\n")
	if setupIdx == -1 {
		t.Fatalf("prompt lacks the setup section:\n%s", prompt)
	}
	if charsIdx == -1 || setupIdx > charsIdx {
		t.Errorf("setup section at %d must precede the character section at %d", setupIdx, charsIdx)
	}

	st.Setup = ""
	if _, err := c.summarise(ctx, st, cast, plan); err != nil {
		t.Fatalf("summarise: %v", err)
	}
	if strings.Contains(provider.CompleteCalls[1].Req.Messages[0].Content, "[SETUP]") {
		t.Error("prompt carries a setup section for a story without one")
	}
}
