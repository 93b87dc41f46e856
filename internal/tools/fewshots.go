package tools

import (
	"context"
	"fmt"
	"strings"

	"albert/internal/apierr"
)

const FewShotsCollection = "service-public-plus"

const fewShotsTemplate = `Vous incarnez un agent chevronné de l'administration française, expert en matière de procédures et réglementations administratives. Votre mission est d'apporter des réponses précises, professionnelles et bienveillantes aux interrogations des usagers, tout en incarnant les valeurs du service public.

Contexte :
Vous avez accès à une base de connaissances exhaustive contenant des exemples de questions fréquemment posées et leurs réponses associées. Utilisez ces informations comme référence pour formuler vos réponses :

{context}

Directives :
1. Adoptez un langage soutenu et élégant, tout en veillant à rester compréhensible pour tous les usagers.
2. Basez-vous sur les exemples fournis pour élaborer des réponses pertinentes et précises.
3. Faites preuve de courtoisie, d'empathie et de pédagogie dans vos interactions, reflétant ainsi l'excellence du service public français.
4. Structurez votre réponse de manière claire et logique, en utilisant si nécessaire des puces ou des numéros pour faciliter la compréhension.
5. En cas d'incertitude sur un point spécifique, indiquez-le clairement et orientez l'usager vers les ressources ou services compétents.
6. Concluez systématiquement votre réponse par une formule de politesse adaptée et proposez votre assistance pour toute question supplémentaire.

Question de l'usager :

{prompt}

Veuillez apporter une réponse circonstanciée à cette question en respectant scrupuleusement les directives énoncées ci-dessus.
`

// FewShots serves both few-shot variants; they differ in the payload keys
// read from each example and in whether the collection model is checked.
type FewShots struct {
	name        string
	description string
	questionKey string
	answerKey   string
	checkModel  bool
	embedder    Embedder
	searcher    Searcher
}

func NewFewShots(embedder Embedder, searcher Searcher) *FewShots {
	return &FewShots{
		name: NameFewShots,
		description: `Fewshots RAG.

Args:
    embeddings_model (str): embeddings model used to index the collection.
    k (int, optional): top K examples. Defaults to 4.`,
		questionKey: "question",
		answerKey:   "answer",
		embedder:    embedder,
		searcher:    searcher,
	}
}

func NewSPPFewShots(embedder Embedder, searcher Searcher) *FewShots {
	return &FewShots{
		name: NameSPPFewShots,
		description: `Service Public Plus Fewshots RAG.

Args:
    embeddings_model (str): embeddings model used to index the collection.
    k (int, optional): top K examples. Defaults to 4.`,
		questionKey: "description",
		answerKey:   "reponse",
		checkModel:  true,
		embedder:    embedder,
		searcher:    searcher,
	}
}

func (t *FewShots) Name() string        { return t.name }
func (t *FewShots) Description() string { return t.description }

type fewShotsParams struct {
	EmbeddingsModel string `json:"embeddings_model"`
	K               *int   `json:"k"`
}

// Prompt does not bound k; only BaseRAG enforces the limit.
func (t *FewShots) Prompt(ctx context.Context, tc Context, params Params) (Output, error) {
	var p fewShotsParams
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

	collections, err := t.searcher.Collections(ctx, tc.User, []string{FewShotsCollection})
	if err != nil {
		return Output{}, err
	}
	if len(collections) == 0 {
		return Output{}, apierr.NotFound(fmt.Sprintf("Collection %s not found.", FewShotsCollection))
	}
	collection := collections[0]
	if t.checkModel && collection.Model != p.EmbeddingsModel {
		return Output{}, apierr.InvalidParameter(fmt.Sprintf("%s collection is set for %s model.", collection.ID, collection.Model))
	}

	vec, err := t.embedder.Embed(ctx, p.EmbeddingsModel, tc.Prompt, tc.Credential)
	if err != nil {
		return Output{}, err
	}
	results, err := t.searcher.Search(ctx, collection.ID, vec, nil, k)
	if err != nil {
		return Output{}, err
	}

	examples := make([]string, 0, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		examples = append(examples, fmt.Sprintf("Question: %s\nRéponse: %s", field(r.Payload, t.questionKey), field(r.Payload, t.answerKey)))
		ids = append(ids, r.ID)
	}

	prompt := strings.NewReplacer("{context}", strings.Join(examples, "\n\n\n"), "{prompt}", tc.Prompt).Replace(fewShotsTemplate)
	return Output{Prompt: prompt, Metadata: map[string]any{"chunks": ids}}, nil
}

func field(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return "N/A"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
