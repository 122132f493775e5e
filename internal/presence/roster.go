package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/example/treedoc/internal/ws"
)

// roster is the process-local view of who is attached to which document.
type roster struct {
	mu   sync.RWMutex
	docs map[string]map[string]ws.PresenceEntry
}

func newRoster() *roster {
	return &roster{docs: make(map[string]map[string]ws.PresenceEntry)}
}

// apply records entry, or removes the client when entry is a disconnect.
func (r *roster) apply(entry ws.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.docs[entry.Document]
	if entry.Disconnected {
		delete(clients, entry.Client)
		if len(clients) == 0 {
			delete(r.docs, entry.Document)
		}
		return
	}
	if clients == nil {
		clients = make(map[string]ws.PresenceEntry)
		r.docs[entry.Document] = clients
	}
	clients[entry.Client] = entry
}

// replace swaps the document's roster for entries.
func (r *roster) replace(doc string, entries []ws.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(entries) == 0 {
		delete(r.docs, doc)
		return
	}
	clients := make(map[string]ws.PresenceEntry, len(entries))
	for _, e := range entries {
		clients[e.Client] = e
	}
	r.docs[doc] = clients
}

func (r *roster) list(doc string) []ws.PresenceEntry {
	r.mu.RLock()
	out := make([]ws.PresenceEntry, 0, len(r.docs[doc]))
	for _, e := range r.docs[doc] {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sortByClient(out)
	return out
}

// stale returns disconnect entries for every client not seen since cutoff.
func (r *roster) stale(cutoff time.Time) []ws.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ws.PresenceEntry
	for doc, clients := range r.docs {
		for client, e := range clients {
			if e.SeenAt.Before(cutoff) {
				out = append(out, ws.PresenceEntry{Document: doc, Client: client, Site: e.Site, SeenAt: cutoff, Disconnected: true})
			}
		}
	}
	return out
}

func sortByClient(entries []ws.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Client < entries[j].Client })
}
