package tools

import (
	"context"
	"strings"

	"albert/internal/apierr"
)

const (
	defaultK = 4
	maxK     = 6

	DefaultRAGTemplate = "Réponds à la question suivante en te basant sur les documents ci-dessous : {prompt}\n\nDocuments :\n\n{files}"
)

type BaseRAG struct {
	embedder Embedder
	searcher Searcher
}

func NewBaseRAG(embedder Embedder, searcher Searcher) *BaseRAG {
	return &BaseRAG{embedder: embedder, searcher: searcher}
}

func (t *BaseRAG) Name() string { return NameBaseRAG }

func (t *BaseRAG) Description() string {
	return `Base RAG, basic retrieval augmented generation.

Args:
    embeddings_model (str): embeddings model used to index the collections.
    collections (List[str], optional): collections to search in. Defaults to all visible collections.
    file_ids (List[str], optional): restrict the search to these files. Defaults to all files.
    k (int, optional): top K per collection, at most 6. Defaults to 4.
    prompt_template (str, optional): must contain "{prompt}" and "{files}" placeholders.`
}

type baseRAGParams struct {
	EmbeddingsModel string   `json:"embeddings_model"`
	Collections     []string `json:"collections"`
	FileIDs         []string `json:"file_ids"`
	K               *int     `json:"k"`
	PromptTemplate  *string  `json:"prompt_template"`
}

func (t *BaseRAG) Prompt(ctx context.Context, tc Context, params Params) (Output, error) {
	var p baseRAGParams
	if err := params.decode(&p); err != nil {
		return Output{}, err
	}
	if p.EmbeddingsModel == "" {
		return Output{}, apierr.InvalidParameter("embeddings_model is required.")
	}
	k := defaultK
	if p.K != nil {
		k = *p.K
	}
	if k > maxK {
		return Output{}, apierr.InvalidParameter("k must be less than or equal to 6.")
	}
	if k < 1 {
		return Output{}, apierr.InvalidParameter("k must be greater than or equal to 1.")
	}
	template := DefaultRAGTemplate
	if p.PromptTemplate != nil {
		template = *p.PromptTemplate
	}
	if !strings.Contains(template, "{prompt}") || !strings.Contains(template, "{files}") {
		return Output{}, apierr.InvalidParameter("Prompt template must contain '{prompt}' and '{files}' placeholders.")
	}

	collections, err := t.searcher.Collections(ctx, tc.User, p.Collections)
	if err != nil {
		return Output{}, err
	}
	for _, c := range collections {
		if c.Model != p.EmbeddingsModel {
			return Output{}, apierr.InvalidParameter("Wrong model collection.")
		}
	}

	vec, err := t.embedder.Embed(ctx, p.EmbeddingsModel, tc.Prompt, tc.Credential)
	if err != nil {
		return Output{}, err
	}

	var texts []string
	chunks := make([]map[string]any, 0)
	for _, c := range collections {
		results, err := t.searcher.Search(ctx, c.ID, vec, p.FileIDs, k)
		if err != nil {
			return Output{}, err
		}
		for _, r := range results {
			texts = append(texts, r.Content)
			chunks = append(chunks, payloadOf(r.Payload))
		}
	}

	prompt := strings.NewReplacer("{files}", strings.Join(texts, "\n\n"), "{prompt}", tc.Prompt).Replace(template)
	return Output{Prompt: prompt, Metadata: map[string]any{"chunks": chunks}}, nil
}

func payloadOf(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
