package rooms

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/angelmondragon/billsplit-backend/api/responses"
	"github.com/angelmondragon/billsplit-backend/api/validators"
	"github.com/angelmondragon/billsplit-backend/internal/realtime"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

const defaultHeartbeat = 25 * time.Second

type subscriber interface {
	Subscribe(token string) (*realtime.Subscription, error)
}

// Events streams room events as server-sent events until the client goes
// away or the hub shuts down. Comment lines keep idle proxies from closing
// the connection.
func Events(rooms roomReader, hub subscriber, heartbeat time.Duration, logg *logger.Logger) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if rooms == nil || hub == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "realtime unavailable"))
			return
		}

		token, err := validators.RoomToken(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := rooms.GetRoom(r.Context(), token); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
			return
		}

		sub, err := hub.Subscribe(token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "subscribe room"))
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					if logg != nil {
						logg.Warn(logg.WithRoom(r.Context(), token), "room stream write failed")
					}
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event realtime.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
