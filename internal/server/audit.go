package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

const (
	auditPageLimit = 500
	streamPing     = 30 * time.Second
	streamWrite    = 10 * time.Second
)

// auditFilter reads the audit query parameters. after defaults to -1 (from
// the start of the log).
func auditFilter(r *http.Request) (storage.AuditFilter, bool) {
	q := r.URL.Query()
	f := storage.AuditFilter{After: -1, Kind: q.Get("kind"), Subject: q.Get("subject"), Limit: 100}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			return f, false
		}
		f.After = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, false
		}
		f.Limit = min(n, auditPageLimit)
	}
	return f, true
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid after or limit")
		return
	}
	var recs []storage.AuditRecord
	err := s.db.View(r.Context(), func(tx *storage.Tx) error {
		var err error
		recs, err = tx.ListAudit(f)
		return err
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := audit.Verify(r.Context(), s.db)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAuditStream sends committed audit records over a websocket. With
// ?after=N it first replays the log from index N+1, then follows live
// records without gaps or repeats.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	replay := r.URL.Query().Has("after")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[stream] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	live, cancel := s.hub.Subscribe()
	defer cancel()

	// Reader: only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(rec storage.AuditRecord) bool {
		conn.SetWriteDeadline(time.Now().Add(streamWrite))
		if err := conn.WriteJSON(rec); err != nil {
			log.Debugf("[stream] write: %v", err)
			return false
		}
		return true
	}

	last := f.After
	if replay {
		for {
			var page []storage.AuditRecord
			err := s.db.View(r.Context(), func(tx *storage.Tx) error {
				var err error
				page, err = tx.ListAudit(storage.AuditFilter{After: last, Limit: auditPageLimit})
				return err
			})
			if err != nil {
				log.Errorf("[stream] replay: %v", err)
				return
			}
			for _, rec := range page {
				if !send(rec) {
					return
				}
				last = rec.Index
			}
			if len(page) < auditPageLimit {
				break
			}
		}
	}

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWrite)); err != nil {
				return
			}
		case rec, ok := <-live:
			if !ok {
				return
			}
			if replay && rec.Index <= last {
				continue
			}
			if !send(rec) {
				return
			}
			last = rec.Index
		}
	}
}
