package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeCorrector struct {
	reply string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeCorrector) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func testPipeline(corrector Corrector, cfg Config) *Pipeline {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewPipeline(cfg, corrector, logrus.NewEntry(l))
}

func TestCheck_Disabled(t *testing.T) {
	c := &fakeCorrector{}
	p := testPipeline(c, Config{Enabled: false})

	v := p.Check(context.Background(), "you damn idiot", "en")
	if v.Tier != 1 || !v.Pass {
		t.Fatalf("disabled pipeline: tier=%d pass=%v, want tier 1 pass", v.Tier, v.Pass)
	}
	if c.calls != 0 {
		t.Fatalf("model called while disabled")
	}
}

func TestCheck_CleanTextIsTierOne(t *testing.T) {
	c := &fakeCorrector{}
	p := testPipeline(c, Config{Enabled: true})

	v := p.Check(context.Background(), "Could you schedule the delivery for Tuesday?", "en")
	if v.Tier != 1 || !v.Pass || v.Corrected != "" || len(v.Issues) != 0 {
		t.Fatalf("clean text verdict = %+v, want tier 1 pass with no issues", v)
	}
	if c.calls != 0 {
		t.Fatalf("tier 1 must not call the model")
	}
}

func TestCheck_InformalRegisterIsTierTwo(t *testing.T) {
	c := &fakeCorrector{}
	p := testPipeline(c, Config{Enabled: true})

	v := p.Check(context.Background(), "I'm gonna call back tomorrow", "en")
	if v.Tier != 2 || !v.Pass {
		t.Fatalf("tier=%d pass=%v, want tier 2 pass", v.Tier, v.Pass)
	}
	if !strings.Contains(v.Corrected, "going to") {
		t.Fatalf("corrected = %q, want formal rewrite", v.Corrected)
	}
	if c.calls != 0 {
		t.Fatalf("tier 2 must not call the model")
	}
}

func TestCheck_KoreanBanmalIsTierTwo(t *testing.T) {
	p := testPipeline(&fakeCorrector{}, Config{Enabled: true})

	v := p.Check(context.Background(), "내일 다시 전화해", "ko")
	if v.Tier != 2 || !v.Pass {
		t.Fatalf("tier=%d pass=%v, want tier 2 pass", v.Tier, v.Pass)
	}
	if v.Corrected != "내일 다시 전화해요" {
		t.Fatalf("corrected = %q, want honorific rewrite", v.Corrected)
	}
}

func TestCheck_BannedWordIsTierThree(t *testing.T) {
	c := &fakeCorrector{reply: "Please stop doing that."}
	p := testPipeline(c, Config{Enabled: true})

	v := p.Check(context.Background(), "shut up and listen", "en")
	if v.Tier != 3 {
		t.Fatalf("tier = %d, want 3", v.Tier)
	}
	if !v.Pass || v.Corrected != "Please stop doing that." {
		t.Fatalf("verdict = %+v, want pass with model correction", v)
	}
	if c.calls != 1 {
		t.Fatalf("model calls = %d, want 1", c.calls)
	}
}

func TestCheck_BannedWordWinsOverRegister(t *testing.T) {
	c := &fakeCorrector{reply: "corrected"}
	p := testPipeline(c, Config{Enabled: true})

	v := p.Check(context.Background(), "I'm gonna tell that idiot", "en")
	if v.Tier != 3 {
		t.Fatalf("tier = %d, want 3 when high severity present", v.Tier)
	}
}

func TestCheck_FallbackFailure(t *testing.T) {
	c := &fakeCorrector{err: errors.New("model unavailable")}
	p := testPipeline(c, Config{Enabled: true})

	v := p.Check(context.Background(), "you idiot", "en")
	if v.Tier != 3 || v.Pass {
		t.Fatalf("tier=%d pass=%v, want tier 3 fail", v.Tier, v.Pass)
	}
	found := false
	for _, issue := range v.Issues {
		if strings.HasPrefix(issue, "fallback_failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want fallback_failed entry", v.Issues)
	}
}

func TestCheck_FallbackTimeout(t *testing.T) {
	c := &fakeCorrector{reply: "late", delay: 200 * time.Millisecond}
	p := testPipeline(c, Config{Enabled: true, CorrectionTimeout: 10 * time.Millisecond})

	v := p.Check(context.Background(), "you idiot", "en")
	if v.Pass {
		t.Fatalf("verdict passed despite correction timeout")
	}
}

func TestCheck_CustomBannedWords(t *testing.T) {
	c := &fakeCorrector{reply: "ok"}
	p := testPipeline(c, Config{Enabled: true, BannedWords: []string{"competitorco"}})

	v := p.Check(context.Background(), "CompetitorCo does it cheaper", "en")
	if v.Tier != 3 {
		t.Fatalf("custom banned word not escalated, tier = %d", v.Tier)
	}
	// Default list is replaced, not extended.
	v = p.Check(context.Background(), "that is stupid", "en")
	if v.Tier == 3 {
		t.Fatalf("default banned word still active with custom list")
	}
}
