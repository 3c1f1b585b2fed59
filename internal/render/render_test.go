package render_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/lalithlochan/outreach/internal/render"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  render.Content
		vars     map[string]string
		expected render.Content
	}{
		{
			name: "subject and text",
			content: render.Content{
				Subject: "Hi {{first_name}}",
				Text:    "Hello {{first_name}} from {{company_name}}",
			},
			vars: map[string]string{"first_name": "Ana", "company_name": "Acme"},
			expected: render.Content{
				Subject: "Hi Ana",
				HTML:    "Hello Ana from Acme",
				Text:    "Hello Ana from Acme",
			},
		},
		{
			name: "html kept when present",
			content: render.Content{
				Subject: "Hi",
				HTML:    "<p>{{first_name}}</p>",
				Text:    "{{first_name}}",
			},
			vars:     map[string]string{"first_name": "Ana"},
			expected: render.Content{Subject: "Hi", HTML: "<p>Ana</p>", Text: "Ana"},
		},
		{
			name:     "unknown placeholder left verbatim",
			content:  render.Content{Subject: "{{nope}}", Text: "a {{nope}} b"},
			vars:     map[string]string{"first_name": "Ana"},
			expected: render.Content{Subject: "{{nope}}", HTML: "a {{nope}} b", Text: "a {{nope}} b"},
		},
		{
			name:     "malformed syntax is literal",
			content:  render.Content{Text: "{{first_name} and {{ first_name }} and {{"},
			vars:     map[string]string{"first_name": "Ana"},
			expected: render.Content{HTML: "{{first_name} and {{ first_name }} and {{", Text: "{{first_name} and {{ first_name }} and {{"},
		},
		{
			name:     "values are not rescanned",
			content:  render.Content{Text: "{{a}} {{b}}"},
			vars:     map[string]string{"a": "{{b}}", "b": "x"},
			expected: render.Content{HTML: "{{b}} x", Text: "{{b}} x"},
		},
		{
			name:     "repeated placeholder",
			content:  render.Content{Text: "{{city}}, {{city}}"},
			vars:     map[string]string{"city": "Lima"},
			expected: render.Content{HTML: "Lima, Lima", Text: "Lima, Lima"},
		},
		{
			name:     "nil vars",
			content:  render.Content{Text: "Hello {{first_name}}"},
			vars:     nil,
			expected: render.Content{HTML: "Hello {{first_name}}", Text: "Hello {{first_name}}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := render.Render(tt.content, tt.vars); got != tt.expected {
				t.Errorf("got %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestRender_Idempotent(t *testing.T) {
	t.Parallel()

	c := render.Content{
		Subject: "{{first_name}} at {{company_name}}",
		Text:    "{{first_name}} {{missing}} {{",
	}
	vars := map[string]string{"first_name": "Ana", "company_name": "Acme"}

	if first, second := render.Render(c, vars), render.Render(c, vars); first != second {
		t.Errorf("renders differ: %+v vs %+v", first, second)
	}
}

func TestRenderer_Strict(t *testing.T) {
	t.Parallel()

	r := render.Renderer{Strict: true}

	t.Run("reports unresolved keys", func(t *testing.T) {
		t.Parallel()
		out, err := r.Render(render.Content{Subject: "{{b}}", Text: "{{a}} {{first_name}}"},
			map[string]string{"first_name": "Ana"})
		if !errors.Is(err, render.ErrUnresolved) {
			t.Fatalf("got %v, want ErrUnresolved", err)
		}
		if !strings.Contains(err.Error(), "a, b") {
			t.Errorf("error should list the keys: %v", err)
		}
		if out.Text != "{{a}} Ana" {
			t.Errorf("text: got %q", out.Text)
		}
	})

	t.Run("no error when resolved", func(t *testing.T) {
		t.Parallel()
		out, err := r.Render(render.Content{Text: "{{first_name}}"}, map[string]string{"first_name": "Ana"})
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		if out.Text != "Ana" {
			t.Errorf("text: got %q, want Ana", out.Text)
		}
	})
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	keys := render.Placeholders("Hi {{first_name}}", "{{company_name}} {{first_name}} {{ bad }}", "")
	if want := []string{"first_name", "company_name"}; !slices.Equal(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}
	if keys := render.Placeholders("no keys"); len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}
