package skills

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/store"
)

const (
	defaultTemperature = 0.1
	bodySnippetLimit   = 2000
	candidateBatch     = 50
)

// RevisionHash derives the skill revision from the fields that affect
// classification output. Editing the prompt, model or temperature yields
// a new revision, which invalidates every stored verdict.
func RevisionHash(prompt, modelName string, temperature float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.4f", prompt, modelName, temperature)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Gateway classifies cached messages against user skills by calling a
// local Ollama-compatible inference endpoint. Classification is best
// effort: a failure leaves messages unlabeled for the next run.
type Gateway struct {
	baseURL      string
	defaultModel string
	store        store.Store
	client       *http.Client
	logger       *zap.Logger
}

// NewGateway creates a gateway against the given endpoint base URL
// (e.g. http://localhost:11434).
func NewGateway(baseURL, defaultModel string, st store.Store, logger *zap.Logger) *Gateway {
	return &Gateway{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		store:        st,
		client:       &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Classify asks the model whether one message matches the skill prompt.
func (g *Gateway) Classify(ctx context.Context, sk model.Skill, m model.Message) (bool, error) {
	modelName := sk.Settings.Model
	if modelName == "" {
		modelName = g.defaultModel
	}
	temperature := sk.Settings.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	body := m.TextBody
	if body == "" {
		body = m.Subject
	}
	if len(body) > bodySnippetLimit {
		body = body[:bodySnippetLimit]
	}

	prompt := fmt.Sprintf(
		"You are an email classifier. Answer with exactly one word: yes or no.\n\n"+
			"Criterion: %s\n\n"+
			"From: %s <%s>\nSubject: %s\n\n%s\n\nAnswer:",
		sk.Prompt, m.FromName, m.FromAddress, m.Subject, body,
	)

	reqBody, err := json.Marshal(generateRequest{
		Model:   modelName,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: temperature},
	})
	if err != nil {
		return false, fmt.Errorf("marshaling classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return false, fmt.Errorf("building classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, raw)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding classifier response: %w", err)
	}

	answer := strings.ToLower(strings.TrimSpace(out.Response))
	return strings.HasPrefix(answer, "yes"), nil
}

// RunSkill classifies up to limit unlabeled candidates for one skill and
// persists the verdicts under the skill's current revision. Returns the
// number of messages classified.
func (g *Gateway) RunSkill(ctx context.Context, sk model.Skill, limit int) (int, error) {
	if sk.RevisionHash == "" {
		sk.RevisionHash = RevisionHash(sk.Prompt, sk.Settings.Model, sk.Settings.Temperature)
	}
	if limit <= 0 {
		limit = candidateBatch
	}

	candidates, err := g.store.SkillCandidates(ctx, sk, limit)
	if err != nil {
		return 0, err
	}

	classified := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return classified, err
		}

		matched, err := g.Classify(ctx, sk, m)
		if err != nil {
			g.logger.Warn("classification failed",
				zap.String("skill", sk.ID),
				zap.String("folder", m.Folder),
				zap.Uint32("uid", m.UID),
				zap.Error(err))
			return classified, err
		}

		err = g.store.SaveSkillVerdict(ctx, sk.ID, m.Ref(), matched, sk.RevisionHash)
		if err != nil {
			return classified, err
		}
		classified++
	}

	if classified > 0 {
		g.logger.Info("skill classified messages",
			zap.String("skill", sk.ID),
			zap.Int("count", classified))
	}
	return classified, nil
}

// RunAll runs every enabled skill over its unlabeled candidates. A
// failing skill is skipped; the rest still run.
func (g *Gateway) RunAll(ctx context.Context, limit int) error {
	skills, err := g.store.ListSkills(ctx)
	if err != nil {
		return err
	}

	for _, sk := range skills {
		if !sk.Enabled {
			continue
		}
		if _, err := g.RunSkill(ctx, sk, limit); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("skill run failed", zap.String("skill", sk.ID), zap.Error(err))
		}
	}
	return nil
}
