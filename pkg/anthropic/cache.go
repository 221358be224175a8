package anthropic

// CachedSystemBlocks builds a single system block with an ephemeral cache
// breakpoint. Extraction prompts repeat the same long instructions across
// sub-agents and QA retries, so the prefix is worth caching.
func CachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
