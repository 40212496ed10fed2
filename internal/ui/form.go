package ui

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/mschirtzinger/linework/internal/types"
)

// CreateForm builds an interactive form that fills input. Fields already
// set in input become the form's initial values.
func CreateForm(input *types.CreateIssueInput) *huh.Form {
	input.SetDefaults()

	statuses := make([]huh.Option[types.Status], len(types.Statuses))
	for i, s := range types.Statuses {
		statuses[i] = huh.NewOption(StatusLabel(s), s)
	}
	priorities := make([]huh.Option[types.Priority], len(types.Priorities))
	for i, p := range types.Priorities {
		priorities[i] = huh.NewOption(PriorityIcon(p)+" "+PriorityLabel(p), p)
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Placeholder("Issue title").
				Value(&input.Title).
				Validate(ValidateTitle),
			huh.NewText().
				Title("Description").
				Placeholder("Add description...").
				Value(&input.Description),
		),
		huh.NewGroup(
			huh.NewSelect[types.Status]().
				Title("Status").
				Options(statuses...).
				Value(&input.Status),
			huh.NewSelect[types.Priority]().
				Title("Priority").
				Options(priorities...).
				Value(&input.Priority),
		),
	)
}

// RunCreateForm shows the create form and returns once the user submits
// or aborts it.
func RunCreateForm(ctx context.Context, input *types.CreateIssueInput) error {
	if err := CreateForm(input).RunWithContext(ctx); err != nil {
		return fmt.Errorf("create form: %w", err)
	}
	return nil
}

// ValidateTitle applies the tracker's title rule to form input.
func ValidateTitle(title string) error {
	in := types.UpdateIssueInput{Title: &title}
	return in.Validate()
}
