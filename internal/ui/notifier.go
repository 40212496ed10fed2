package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/mschirtzinger/linework/internal/notify"
)

// Notifier prints mutation notifications as single status lines.
type Notifier struct {
	r  *Renderer
	mu sync.Mutex
	w  io.Writer
}

// NewNotifier writes notifications to w using r's styling.
func NewNotifier(w io.Writer, r *Renderer) *Notifier {
	return &Notifier{r: r, w: w}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(note notify.Notification) {
	var icon string
	var style = n.r.fg(n.r.theme.NormalText)
	switch note.Level {
	case notify.LevelLoading:
		icon, style = "…", n.r.fg(n.r.theme.Loading)
	case notify.LevelSuccess:
		icon, style = "✓", n.r.fg(n.r.theme.Success)
	case notify.LevelError:
		icon, style = "✗", n.r.fg(n.r.theme.Error)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s %s\n", style.Render(icon), note.Message)
}
