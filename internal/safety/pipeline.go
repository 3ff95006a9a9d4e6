package safety

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/models"
)

const defaultCorrectionTimeout = 6 * time.Second

// Corrector is the fallback correction model used by the blocking tier.
type Corrector interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	Enabled           bool
	CorrectionTimeout time.Duration
	// SubstituteTier2 controls whether tier-2 rewrites replace what the
	// recipient hears, or are recorded only. Default is record-only.
	SubstituteTier2 bool
	BannedWords     []string
}

// Pipeline classifies each recipient-bound translated utterance into a
// safety tier. Stateless per call; safe to invoke concurrently for
// different utterances.
type Pipeline struct {
	cfg       Config
	rules     *RuleSet
	corrector Corrector
	log       *logrus.Entry
}

func NewPipeline(cfg Config, corrector Corrector, log *logrus.Entry) *Pipeline {
	if cfg.CorrectionTimeout <= 0 {
		cfg.CorrectionTimeout = defaultCorrectionTimeout
	}
	return &Pipeline{
		cfg:       cfg,
		rules:     NewRuleSet(cfg.BannedWords),
		corrector: corrector,
		log:       log,
	}
}

// SubstituteTier2 reports the tier-2 delivery policy.
func (p *Pipeline) SubstituteTier2() bool { return p.cfg.SubstituteTier2 }

// Check produces the verdict for one utterance. Tier 1 passes untouched,
// tier 2 passes immediately with the rule-based rewrite attached, tier 3
// blocks on the fallback model until it corrects the text or times out.
func (p *Pipeline) Check(ctx context.Context, text, language string) models.GuardrailVerdict {
	start := time.Now()
	verdict := models.GuardrailVerdict{
		Tier:      1,
		Pass:      true,
		Original:  text,
		Timestamp: start.UTC(),
	}

	if !p.cfg.Enabled || strings.TrimSpace(text) == "" {
		return verdict
	}

	issues := p.rules.Classify(text)
	if len(issues) == 0 {
		verdict.LatencyMS = time.Since(start).Milliseconds()
		return verdict
	}
	for _, i := range issues {
		verdict.Issues = append(verdict.Issues, i.Description)
	}

	if highestSeverity(issues) != SeverityHigh {
		verdict.Tier = 2
		verdict.Corrected = suggestedRewrite(issues)
		verdict.LatencyMS = time.Since(start).Milliseconds()
		return verdict
	}

	verdict.Tier = 3
	corrected, err := p.correct(ctx, text, language, issues)
	verdict.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		verdict.Pass = false
		verdict.Issues = append(verdict.Issues, "fallback_failed: "+err.Error())
		p.log.WithError(err).Warn("tier-3 correction failed")
		return verdict
	}
	verdict.Corrected = corrected
	return verdict
}

func (p *Pipeline) correct(ctx context.Context, text, language string, issues []Issue) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CorrectionTimeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Rewrite the following utterance in polite, formal ")
	b.WriteString(language)
	b.WriteString(" preserving its meaning. Remove or soften the flagged content. ")
	b.WriteString("Reply with the rewritten utterance only.\n\nUtterance: ")
	b.WriteString(text)
	b.WriteString("\nFlagged: ")
	for i, issue := range issues {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(issue.Description)
	}

	out, err := p.corrector.Complete(ctx, b.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("correction model returned no text")
	}
	return out, nil
}
