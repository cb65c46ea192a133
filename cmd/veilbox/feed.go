package main

import (
	"net/http"

	"veilbox/internal/metrics"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// handleFeed streams change events to the client over a websocket.
// Each frame is one ChangeEvent; clients re-fetch message details over
// the REST API when an event arrives.
func (s *Server) handleFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream closed")

		events, cancel := s.repo.Subscribe()
		defer cancel()

		metrics.IncrementCounter("feed_connections_total", nil, "Total websocket feed connections")
		s.logger.WithField("remote", r.RemoteAddr).Debug("Feed subscriber connected")

		ctx := r.Context()
		// Reads are discarded; a read error means the client went away.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-readDone:
				return
			case event, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := wsjson.Write(ctx, conn, event); err != nil {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"message_id": event.MessageID,
					}).Debug("Feed write failed, dropping subscriber")
					return
				}
			}
		}
	}
}
