package tools

import (
	"context"
	"strings"

	"albert/internal/apierr"
	"albert/internal/storage"
)

const FilesPlaceholder = "{files}"

type UseFiles struct {
	searcher Searcher
}

func NewUseFiles(searcher Searcher) *UseFiles {
	return &UseFiles{searcher: searcher}
}

func (t *UseFiles) Name() string { return NameUseFiles }

func (t *UseFiles) Description() string {
	return `Fill your prompt with file contents. Your prompt must contain "{files}" placeholder.

Args:
    file_ids (List[str], optional): files of your private collections to inline. Defaults to all of them.`
}

type useFilesParams struct {
	FileIDs []string `json:"file_ids"`
}

func (t *UseFiles) Prompt(ctx context.Context, tc Context, params Params) (Output, error) {
	if !strings.Contains(tc.Prompt, FilesPlaceholder) {
		return Output{}, apierr.InvalidParameter(`User message must contain "{files}" with UseFiles tool.`)
	}
	if tc.User == "" {
		return Output{}, apierr.InvalidParameter("UseFiles tool requires a user.")
	}
	var p useFilesParams
	if err := params.decode(&p); err != nil {
		return Output{}, err
	}

	collections, err := t.searcher.Collections(ctx, tc.User, nil)
	if err != nil {
		return Output{}, err
	}

	var texts []string
	chunks := make([]map[string]any, 0)
	for _, c := range collections {
		if c.Type != storage.CollectionPrivate || c.Owner != tc.User {
			continue
		}
		results, err := t.searcher.Scroll(ctx, c.ID, p.FileIDs)
		if err != nil {
			return Output{}, err
		}
		for _, r := range results {
			texts = append(texts, r.Content)
			chunks = append(chunks, payloadOf(r.Payload))
		}
	}
	if len(texts) == 0 {
		return Output{}, apierr.NotFound("Files not found.")
	}

	prompt := strings.ReplaceAll(tc.Prompt, FilesPlaceholder, strings.Join(texts, "\n"))
	return Output{Prompt: prompt, Metadata: map[string]any{"chunks": chunks}}, nil
}
