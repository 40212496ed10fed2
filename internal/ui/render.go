package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mschirtzinger/linework/internal/types"
	"github.com/muesli/termenv"
)

// maxAvatars is how many assignees a list row shows before "+N".
const maxAvatars = 3

// Renderer formats issues for one output. Colors follow the output's
// detected profile, so piping to a file yields plain text.
type Renderer struct {
	lip   *lipgloss.Renderer
	theme Theme
	width int
}

// NewRenderer creates a renderer for w with the color profile detected
// from w.
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{lip: lipgloss.NewRenderer(w), theme: DefaultTheme, width: 80}
}

// NewRendererWithProfile creates a renderer with a fixed color profile.
// termenv.Ascii disables styling entirely.
func NewRendererWithProfile(w io.Writer, profile termenv.Profile) *Renderer {
	lip := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	lip.SetColorProfile(profile)
	return &Renderer{lip: lip, theme: DefaultTheme, width: 80}
}

// SetWidth sets the line width used to truncate titles.
func (r *Renderer) SetWidth(width int) {
	if width > 20 {
		r.width = width
	}
}

func (r *Renderer) fg(c lipgloss.Color) lipgloss.Style {
	return r.lip.NewStyle().Foreground(c)
}

// StatusBadge renders the status icon and label.
func (r *Renderer) StatusBadge(s types.Status) string {
	return r.fg(r.theme.StatusColor(s)).Render(statusIcon(s) + " " + StatusLabel(s))
}

// Priority renders the priority icon, padded to a fixed width.
func (r *Renderer) Priority(p types.Priority) string {
	return r.fg(r.theme.PriorityColor(p)).Width(3).Render(PriorityIcon(p))
}

// IssueList renders one row per issue: priority, identifier, title, status
// and up to three assignees. Issues still being saved are shown faint.
func (r *Renderer) IssueList(issues []*types.Issue) string {
	if len(issues) == 0 {
		header := r.lip.NewStyle().Bold(true).Foreground(r.theme.Header).Render("No issues yet")
		return header + "\n" + r.fg(r.theme.FaintText).Render("Create your first issue to get started") + "\n"
	}

	idWidth := 0
	for _, issue := range issues {
		idWidth = max(idWidth, lipgloss.Width(issue.Identifier))
	}

	var b strings.Builder
	for _, issue := range issues {
		id := r.fg(r.theme.FaintText).Width(idWidth).Render(issue.Identifier)
		status := r.StatusBadge(issue.Status)
		people := r.avatars(issue.Assignees)

		room := r.width - 3 - idWidth - lipgloss.Width(status) - lipgloss.Width(people) - 4
		title := truncate(issue.Title, max(room, 10))
		titleStyle := r.fg(r.theme.NormalText)
		if issue.IsTemporary() {
			titleStyle = titleStyle.Faint(true).Italic(true)
			title = truncate(issue.Title, max(room-10, 10)) + " (saving)"
		}

		row := []string{r.Priority(issue.Priority), id, titleStyle.Render(title), status}
		if people != "" {
			row = append(row, people)
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteString("\n")
	}
	return b.String()
}

// IssueDetail renders a single issue with its relations and comments.
func (r *Renderer) IssueDetail(issue *types.Issue) string {
	label := r.fg(r.theme.FaintText).Width(11)
	title := r.lip.NewStyle().Bold(true).Foreground(r.theme.Header)

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n", r.fg(r.theme.FaintText).Render(issue.Identifier), title.Render(issue.Title))
	fmt.Fprintf(&b, "%s%s\n", label.Render("Status"), r.StatusBadge(issue.Status))
	fmt.Fprintf(&b, "%s%s %s\n", label.Render("Priority"),
		r.fg(r.theme.PriorityColor(issue.Priority)).Render(PriorityIcon(issue.Priority)), PriorityLabel(issue.Priority))

	creator := "-"
	if issue.Creator != nil {
		creator = displayName(*issue.Creator)
	}
	fmt.Fprintf(&b, "%s%s\n", label.Render("Creator"), creator)

	assignees := "Unassigned"
	if len(issue.Assignees) > 0 {
		names := make([]string, len(issue.Assignees))
		for i, p := range issue.Assignees {
			names[i] = displayName(p)
		}
		assignees = strings.Join(names, ", ")
	}
	fmt.Fprintf(&b, "%s%s\n", label.Render("Assignees"), assignees)
	if !issue.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "%s%s\n", label.Render("Created"), issue.CreatedAt.Local().Format(time.DateTime))
	}
	if !issue.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "%s%s\n", label.Render("Updated"), issue.UpdatedAt.Local().Format(time.DateTime))
	}

	if issue.Description != "" {
		box := r.lip.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(r.theme.Border).
			Padding(0, 1).
			Width(r.width - 2)
		b.WriteString("\n")
		b.WriteString(box.Render(issue.Description))
		b.WriteString("\n")
	}

	if len(issue.Comments) > 0 {
		fmt.Fprintf(&b, "\n%s\n", title.Render(fmt.Sprintf("Comments (%d)", len(issue.Comments))))
		for _, c := range issue.Comments {
			author := c.UserID
			if c.User != nil {
				author = displayName(*c.User)
			}
			fmt.Fprintf(&b, "%s %s\n  %s\n",
				r.lip.NewStyle().Bold(true).Render(author),
				r.fg(r.theme.FaintText).Render(c.CreatedAt.Local().Format(time.DateTime)),
				c.Body)
		}
	}
	return b.String()
}

func (r *Renderer) avatars(people []types.Profile) string {
	if len(people) == 0 {
		return ""
	}
	shown := people
	if len(shown) > maxAvatars {
		shown = shown[:maxAvatars]
	}
	parts := make([]string, 0, len(shown)+1)
	for _, p := range shown {
		parts = append(parts, Initials(p))
	}
	if extra := len(people) - len(shown); extra > 0 {
		parts = append(parts, fmt.Sprintf("+%d", extra))
	}
	return r.fg(r.theme.FaintText).Render(strings.Join(parts, " "))
}

// Initials returns up to two upper-case initials from the profile's name,
// falling back to its email.
func Initials(p types.Profile) string {
	name := strings.TrimSpace(p.FullName)
	if name == "" {
		name, _, _ = strings.Cut(p.Email, "@")
	}
	fields := strings.Fields(name)
	var out []rune
	for _, f := range fields {
		out = append(out, []rune(strings.ToUpper(f))[0])
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

func displayName(p types.Profile) string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.Email != "" {
		return p.Email
	}
	return p.ID
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}
