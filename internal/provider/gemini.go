package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// scenarioSystemPrompt instructs Gemini to return the scene breakdown as
// strict JSON the scenario stage can parse.
const scenarioSystemPrompt = `You are an advertising creative director. Given a
product, an avatar (presenter), and a campaign brief, break a short ad video
into scenes. Respond with ONLY JSON of the form:
{"scenes":[{"prompt":"...","durationSeconds":4,"motionParams":{"camera":"...","pacing":"..."}}]}
Each scene prompt must describe one keyframe image featuring the product
and/or avatar. Durations are 3-6 seconds. Return exactly the requested number
of scenes.`

// DefaultScenarioModel is the Gemini model used for scenario generation.
// Can be overridden via STUDIO_SCENARIO_MODEL.
const DefaultScenarioModel = "gemini-3-flash-preview"

// ScenarioProvider generates the scene breakdown for a draft via Gemini.
// GenerateContent is a synchronous API, so calls run through a localRunner
// to satisfy the submit/poll contract.
type ScenarioProvider struct {
	client *genai.Client
	model  string
	runner *localRunner
}

// Compile-time interface check.
var _ Provider = (*ScenarioProvider)(nil)

// NewScenarioProvider creates a Gemini-backed scenario provider.
func NewScenarioProvider(ctx context.Context, apiKey, model string) (*ScenarioProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	if model == "" {
		model = DefaultScenarioModel
	}
	return &ScenarioProvider{
		client: client,
		model:  model,
		runner: newLocalRunner("scn-"),
	}, nil
}

// Submit starts scenario generation. The resulting Status.Payload carries
// the raw JSON scene breakdown.
func (p *ScenarioProvider) Submit(ctx context.Context, spec Spec) (Handle, error) {
	prompt := buildScenarioPrompt(spec)

	h := p.runner.start(func(ctx context.Context, _ Handle) (string, string, error) {
		log.Debug().
			Str("model", p.model).
			Int("sceneCount", spec.SceneCount).
			Int("promptLength", len(prompt)).
			Msg("Starting Gemini scenario generation")

		config := &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: scenarioSystemPrompt}},
			},
		}
		resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), config)
		if err != nil {
			return "", "", fmt.Errorf("generate scenario: %w", err)
		}

		text := resp.Text()
		if text == "" {
			return "", "", fmt.Errorf("empty scenario response from Gemini")
		}
		return "", text, nil
	})

	log.Info().Str("jobId", string(h)).Msg("Scenario generation job started")
	return h, nil
}

// Poll reports scenario job status.
func (p *ScenarioProvider) Poll(ctx context.Context, h Handle) (Status, error) {
	return p.runner.poll(h)
}

func buildScenarioPrompt(spec Spec) string {
	return fmt.Sprintf(`Campaign brief: %s
Product image: %s
Avatar image: %s
Aspect ratio: %s
Number of scenes: %d`,
		spec.Prompt, spec.ProductImageURL, spec.AvatarImageURL, spec.AspectRatio, spec.SceneCount)
}
