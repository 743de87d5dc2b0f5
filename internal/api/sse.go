package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/events"
)

// streamEvents relays the quotation's analysis events as server-sent events. The first event is a
// snapshot of the current state; the stream ends after a completion or failure event.
func (s *Server) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	incoming := make(chan events.Event, 256)
	unsubscribe, err := s.Bus.Subscribe(ctx, events.QuotationTopic(id), func(ev events.Event) {
		select {
		case incoming <- ev:
		default:
			s.log.Warn("dropping SSE event; client buffer full", "cotacao_id", id, "event", ev.Name)
		}
	})
	if err != nil {
		s.respondError(c, apperr.Dependency("event bus", err))
		return
	}
	defer unsubscribe()

	q, err := s.DB.GetQuotation(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if q == nil {
		s.respondError(c, apperr.ErrNotFound)
		return
	}

	snapshot, err := s.snapshotEvent(*q)
	if err != nil {
		s.respondError(c, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, snapshot)
	w.Flush()
	if q.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// a cancelled run ends without an event, so the stored status closes the stream
			if final, ok := s.finalSnapshot(c, id); ok {
				writeEvent(w, final)
				w.Flush()
				return
			}
			_, _ = fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		case ev := <-incoming:
			writeEvent(w, ev)
			w.Flush()
			if ev.Name != events.AnalysisProgress {
				return
			}
		}
	}
}

// finalSnapshot returns the snapshot of a quotation that reached a terminal status.
func (s *Server) finalSnapshot(c *gin.Context, id string) (events.Event, bool) {
	q, err := s.DB.GetQuotation(c.Request.Context(), id)
	if err != nil || q == nil || !q.Status.Terminal() {
		if err != nil {
			s.log.Warn("SSE status check failed", "cotacao_id", id, "error", err)
		}
		return events.Event{}, false
	}
	ev, err := s.snapshotEvent(*q)
	if err != nil {
		return events.Event{}, false
	}
	return ev, true
}

func (s *Server) snapshotEvent(q internal.Quotation) (events.Event, error) {
	var p events.Progress
	live := false
	if q.Status == internal.QuotationAnalyzing {
		p, live = s.Orchestrator.Progress(q.ID)
	}
	if !live {
		p = events.Progress{
			QuotationID:   q.ID,
			TotalItems:    q.TotalItems,
			AnalyzedItems: q.AnalyzedItems,
			PendingItems:  max(q.TotalItems-q.AnalyzedItems, 0),
			Percent:       q.Progress,
			Status:        q.Status,
		}
		if q.LastError != nil {
			p.Error = *q.LastError
		}
	}
	name := events.AnalysisProgress
	switch p.Status {
	case internal.QuotationDone:
		name = events.AnalysisCompleted
	case internal.QuotationError:
		name = events.AnalysisFailed
	}
	ev, err := events.NewEvent(name, p)
	if err != nil {
		return events.Event{}, err
	}
	ev.Topic = events.QuotationTopic(q.ID)
	return ev, nil
}

func writeEvent(w io.Writer, ev events.Event) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
}
