package gateway

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed templates/*.txt
var templatesFS embed.FS

type PromptID string

const (
	PromptOutline PromptID = "outline"
	PromptChapter PromptID = "chapter"
	PromptCover   PromptID = "cover"
)

// Registry loads the embedded system/user template pairs once and caches the
// compiled chat templates.
type Registry struct {
	mu    sync.RWMutex
	cache map[PromptID]einoprompt.ChatTemplate
}

func NewRegistry() *Registry {
	return &Registry{cache: make(map[PromptID]einoprompt.ChatTemplate)}
}

func (r *Registry) ChatTemplate(id PromptID) (einoprompt.ChatTemplate, error) {
	r.mu.RLock()
	if tpl, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[id]; ok {
		return tpl, nil
	}

	switch id {
	case PromptOutline, PromptChapter, PromptCover:
	default:
		return nil, fmt.Errorf("unknown prompt id: %s", id)
	}
	system, err := readEmbeddedText("templates/" + string(id) + ".system.txt")
	if err != nil {
		return nil, err
	}
	user, err := readEmbeddedText("templates/" + string(id) + ".user.txt")
	if err != nil {
		return nil, err
	}

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	r.cache[id] = tpl
	return tpl, nil
}

// Format renders the template id with vars.
func (r *Registry) Format(ctx context.Context, id PromptID, vars map[string]any) ([]*schema.Message, error) {
	tpl, err := r.ChatTemplate(id)
	if err != nil {
		return nil, err
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("format prompt %s: %w", id, err)
	}
	return msgs, nil
}

// FormatText renders the template id as a single plain prompt, for backends
// that take text rather than chat messages.
func (r *Registry) FormatText(ctx context.Context, id PromptID, vars map[string]any) (string, error) {
	msgs, err := r.Format(ctx, id, vars)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

func readEmbeddedText(path string) (string, error) {
	b, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
