package backend

// Catalog lists the models a provider is known to work with.
type Catalog struct {
	Provider    string   `json:"provider"`
	Models      []string `json:"models"`
	Recommended string   `json:"recommended"`
}

// Catalogs returns the supported models per provider.
func Catalogs() []Catalog {
	return []Catalog{
		{
			Provider: "openai",
			Models: []string{
				"gpt-4o",
				"gpt-4o-mini",
				"gpt-4.1",
				"gpt-4.1-mini",
				"gpt-4.1-nano",
				"gpt-5",
				"gpt-5-mini",
				"gpt-5-nano",
			},
			Recommended: "gpt-4.1-mini",
		},
		{
			Provider: "anthropic",
			Models: []string{
				"claude-haiku-4-5",
				"claude-sonnet-4-5",
				"claude-opus-4-1",
			},
			Recommended: "claude-haiku-4-5",
		},
	}
}

// RecommendedModel returns the recommended model for provider, or "" for an
// unknown provider.
func RecommendedModel(provider string) string {
	for _, c := range Catalogs() {
		if c.Provider == provider {
			return c.Recommended
		}
	}
	return ""
}
