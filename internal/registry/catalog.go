package registry

import "github.com/vnmchuo/completion-gateway/internal/tokenizer"

func priority(p int) *int { return &p }

func CatalogProviders() []Provider {
	return []Provider{
		{Name: "openai", EnvVar: "OPENAI_API_KEY", Priority: priority(1)},
		{Name: "google", EnvVar: "GEMINI_API_KEY", Priority: priority(1)},
		{Name: "anthropic", EnvVar: "ANTHROPIC_API_KEY", Priority: priority(1)},
		{Name: "togetherai", EnvVar: "TOGETHERAI_API_KEY", Priority: priority(1)},
		{Name: "openrouter", EnvVar: "OPENROUTER_API_KEY", Priority: priority(0)},
	}
}

func CatalogModels() []Model {
	return []Model{
		// https://platform.openai.com/docs/models
		{
			Name:                   "gpt-4.1",
			Provider:               "openai",
			Backend:                BackendNative,
			ResolveAs:              "openai/gpt-4.1-2025-04-14",
			Tokenizer:              tokenizer.Simplified,
			ContextWindow:          1_000_000,
			EffectiveContextWindow: 100_000,
			MaxOutputTokens:        16_384,
			DollarsInput:           2,
			DollarsOutput:          8,
			TokensPerMinute:        30_000,
			RequestsPerMinute:      500,
		},

		// https://ai.google.dev/gemini-api/docs/models
		{
			Name:                     "gemini-2.5-flash",
			Provider:                 "google",
			Backend:                  BackendNative,
			ResolveAs:                "gemini/gemini-2.5-flash-preview-05-20",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            1_000_000,
			EffectiveContextWindow:   200_000,
			MaxOutputTokens:          64_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             0.15,
			DollarsOutput:            0.6,
			TokensPerMinute:          1_000_000,
			RequestsPerMinute:        1000,
			Hidden:                   true,
		},
		{
			Name:                     "gemini-2.5-pro",
			Provider:                 "google",
			Backend:                  BackendNative,
			ResolveAs:                "gemini/gemini-2.5-pro-preview-06-05",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            1_000_000,
			EffectiveContextWindow:   200_000,
			MaxOutputTokens:          64_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             1.25,
			DollarsOutput:            10,
			TokensPerMinute:          2_000_000,
			RequestsPerMinute:        10,
			Hidden:                   true,
		},

		// https://docs.anthropic.com/en/docs/about-claude/models/overview
		{
			Name:                     "claude-sonnet-4",
			KnownAs:                  []string{"claude-sonnet-4-20250514"},
			Provider:                 "anthropic",
			Backend:                  BackendNative,
			ResolveAs:                "anthropic/claude-sonnet-4-20250514",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            200_000,
			EffectiveContextWindow:   64_000,
			MaxOutputTokens:          32_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             3,
			DollarsOutput:            15,
			TokensPerMinute:          20_000,
			RequestsPerMinute:        50,
		},
		{
			Name:                     "claude-opus-4",
			KnownAs:                  []string{"claude-opus-4-20250514"},
			Provider:                 "anthropic",
			Backend:                  BackendNative,
			ResolveAs:                "anthropic/claude-opus-4-20250514",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            200_000,
			EffectiveContextWindow:   64_000,
			MaxOutputTokens:          32_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             15,
			DollarsOutput:            75,
			TokensPerMinute:          20_000,
			RequestsPerMinute:        50,
			Hidden:                   true,
		},

		{
			Name:              "deepseek-r1",
			Provider:          "togetherai",
			Backend:           BackendNative,
			ResolveAs:         "together_ai/deepseek-ai/DeepSeek-R1",
			Tokenizer:         tokenizer.Simplified,
			ContextWindow:     128_000,
			MaxOutputTokens:   32_000,
			DollarsInput:      3,
			DollarsOutput:     7,
			RequestsPerMinute: 600,
			Hidden:            true,
		},

		// https://openrouter.ai/models
		{
			Name:                     "gemini-2.5-flash",
			Provider:                 "openrouter",
			Backend:                  BackendNative,
			ResolveAs:                "openrouter/google/gemini-2.5-flash-preview-05-20",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            1_000_000,
			EffectiveContextWindow:   200_000,
			MaxOutputTokens:          64_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             0.15,
			DollarsOutput:            0.6,
			TokensPerMinute:          1_000_000,
			RequestsPerMinute:        1000,
		},
		{
			Name:                     "gemini-2.5-pro",
			Provider:                 "openrouter",
			Backend:                  BackendNative,
			ResolveAs:                "openrouter/google/gemini-2.5-pro-preview",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            1_000_000,
			EffectiveContextWindow:   200_000,
			MaxOutputTokens:          64_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             1.25,
			DollarsOutput:            10,
			TokensPerMinute:          2_000_000,
			RequestsPerMinute:        10,
		},
		{
			Name:                     "claude-sonnet-4",
			Provider:                 "openrouter",
			Backend:                  BackendNative,
			ResolveAs:                "openrouter/anthropic/claude-sonnet-4",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            200_000,
			EffectiveContextWindow:   64_000,
			MaxOutputTokens:          32_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             3,
			DollarsOutput:            15,
			TokensPerMinute:          20_000,
			RequestsPerMinute:        50,
		},
		{
			Name:                     "claude-opus-4",
			Provider:                 "openrouter",
			Backend:                  BackendNative,
			ResolveAs:                "openrouter/anthropic/claude-opus-4",
			Tokenizer:                tokenizer.Simplified,
			ContextWindow:            200_000,
			EffectiveContextWindow:   64_000,
			MaxOutputTokens:          32_000,
			EffectiveMaxOutputTokens: 16_000,
			DollarsInput:             15,
			DollarsOutput:            75,
			TokensPerMinute:          20_000,
			RequestsPerMinute:        50,
			Hidden:                   true,
		},
	}
}
