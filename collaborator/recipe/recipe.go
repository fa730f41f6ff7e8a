// Package recipe holds the recipe workflow collaborator: structured cooking
// intents, drafted recipes and the human approval loop around them.
package recipe

import (
	"fmt"
	"strings"
)

// Intent is a structured description of what the user wants to cook.
type Intent struct {
	Cuisine       string `json:"cuisine"`
	Diet          string `json:"diet"`
	FlavorProfile string `json:"flavor_profile"`
	Difficulty    string `json:"difficulty"`
	CookingTime   string `json:"cooking_time"`
}

// Validate accepts partial intents but rejects unknown difficulties.
func (i Intent) Validate() error {
	switch strings.ToLower(i.Difficulty) {
	case "", "easy", "medium", "hard":
		return nil
	}
	return fmt.Errorf("recipe: unknown difficulty %q", i.Difficulty)
}

// Recipe is a synthesized recipe.
type Recipe struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
}

func (r Recipe) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("recipe: title required")
	}
	if len(r.Ingredients) == 0 {
		return fmt.Errorf("recipe: %q has no ingredients", r.Title)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("recipe: %q has no steps", r.Title)
	}
	return nil
}

// Text renders the recipe as plain text for indexing and printing.
func (r Recipe) Text() string {
	var b strings.Builder
	b.WriteString(r.Title)
	b.WriteString("\n\nIngredients:\n")
	for _, in := range r.Ingredients {
		b.WriteString("- ")
		b.WriteString(in)
		b.WriteByte('\n')
	}
	b.WriteString("\nSteps:\n")
	for i, s := range r.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
