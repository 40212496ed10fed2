package dashboard

import (
	"log"
	"sync"

	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/types"
)

// CacheEventData describes one cache change
type CacheEventData struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Param   string `json:"param"`
	Event   string `json:"event"` // written, invalidated, removed
	Version uint64 `json:"version"`
}

// MutationData describes a mutation state change
type MutationData struct {
	Token string   `json:"token"`
	Kind  string   `json:"kind"`
	From  string   `json:"from"`
	State string   `json:"state"`
	Keys  []string `json:"keys,omitempty"`
}

// StatsData counts the issues in the cached lists of one team, or of every
// team when the view is unscoped.
type StatsData struct {
	Lists       int            `json:"lists"`
	Total       int            `json:"total"`
	Speculative int            `json:"speculative"`
	ByStatus    map[string]int `json:"by_status"`
	ByPriority  map[string]int `json:"by_priority"`
	InFlight    int            `json:"in_flight"`
}

// Handler turns cache events, mutation transitions and notifications into
// dashboard messages.
type Handler struct {
	server *Server
	cache  *querycache.Cache
	logger *log.Logger

	mu sync.Mutex
	// inFlight maps a mutation token to the team it touches
	inFlight map[string]string
}

// NewHandler creates a handler publishing to server. Statistics are read
// from cache.
func NewHandler(server *Server, cache *querycache.Cache, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server:   server,
		cache:    cache,
		logger:   logger,
		inFlight: make(map[string]string),
	}
	server.SetGreeting(h.statsMessage)
	return h
}

// Attach subscribes the handler to issue keys in the cache. The returned
// function detaches it.
func (h *Handler) Attach() (detach func()) {
	cancelList := h.cache.Subscribe(querycache.Prefix(mutation.KindIssues), h.OnCacheEvent)
	cancelIssue := h.cache.Subscribe(querycache.Prefix(mutation.KindIssue), h.OnCacheEvent)
	return func() {
		cancelList()
		cancelIssue()
	}
}

// OnCacheEvent publishes a cache change to the team it belongs to, followed
// by fresh statistics when the team's list changed.
func (h *Handler) OnCacheEvent(ev querycache.Event) {
	team := h.teamOf(ev.Key)
	h.publish(MessageTypeCache, team, CacheEventData{
		Key:     ev.Key.String(),
		Kind:    ev.Key.Kind,
		Param:   ev.Key.Param,
		Event:   ev.Type.String(),
		Version: ev.Version,
	})

	if ev.Key.Kind == mutation.KindIssues && ev.Type != querycache.EventInvalidated {
		h.server.Broadcast(h.statsMessage(team))
	}
}

// teamOf finds the team a key belongs to. A single issue's team is only
// known while the issue is cached.
func (h *Handler) teamOf(key querycache.Key) string {
	switch key.Kind {
	case mutation.KindIssues:
		return key.Param
	case mutation.KindIssue:
		if v, ok := h.cache.Read(key); ok {
			if issue, ok := v.(*types.Issue); ok && issue != nil {
				return issue.TeamID
			}
		}
	}
	return ""
}

// OnTransition publishes a mutation state change. Use it as
// mutation.Config.OnTransition.
func (h *Handler) OnTransition(tr mutation.Transition) {
	keys := make([]string, len(tr.Keys))
	team := ""
	for i, k := range tr.Keys {
		keys[i] = k.String()
		if team == "" {
			team = h.teamOf(k)
		}
	}

	h.mu.Lock()
	if tr.To == mutation.StateSettled {
		if team == "" {
			team = h.inFlight[tr.Token]
		}
		delete(h.inFlight, tr.Token)
	} else {
		h.inFlight[tr.Token] = team
	}
	h.mu.Unlock()

	h.publish(MessageTypeMutation, team, MutationData{
		Token: tr.Token,
		Kind:  tr.Kind,
		From:  tr.From.String(),
		State: tr.To.String(),
		Keys:  keys,
	})
}

// Notify implements notify.Notifier. Notifications reach the views of the
// team the mutation touches.
func (h *Handler) Notify(n notify.Notification) {
	h.mu.Lock()
	team := h.inFlight[n.Token]
	h.mu.Unlock()
	h.publish(MessageTypeNotification, team, n)
}

// GetStats computes statistics over the cached lists of team. An empty
// team covers every cached list.
func (h *Handler) GetStats(team string) StatsData {
	stats := StatsData{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}

	for _, key := range h.cache.Keys(querycache.Prefix(mutation.KindIssues)) {
		if team != "" && key.Param != team {
			continue
		}
		v, ok := h.cache.Read(key)
		if !ok {
			continue
		}
		issues, ok := v.([]*types.Issue)
		if !ok {
			continue
		}
		stats.Lists++
		for _, issue := range issues {
			stats.Total++
			stats.ByStatus[string(issue.Status)]++
			stats.ByPriority[string(issue.Priority)]++
			if issue.IsTemporary() {
				stats.Speculative++
			}
		}
	}

	h.mu.Lock()
	for _, t := range h.inFlight {
		if team == "" || t == team {
			stats.InFlight++
		}
	}
	h.mu.Unlock()
	return stats
}

func (h *Handler) statsMessage(team string) Message {
	msg, err := NewMessage(MessageTypeStats, team, h.GetStats(team))
	if err != nil {
		h.logger.Printf("Failed to build stats: %v", err)
		return Message{Type: MessageTypeStats, Team: team}
	}
	return msg
}

func (h *Handler) publish(typ MessageType, team string, data any) {
	msg, err := NewMessage(typ, team, data)
	if err != nil {
		h.logger.Printf("%v", err)
		return
	}
	h.server.Broadcast(msg)
}
