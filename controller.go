package k8090d

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdouchement/k8090d/k8090"
	"github.com/mdouchement/logger"
	"golang.org/x/sync/errgroup"
)

// ActivityLimit is the number of relay transitions kept in memory.
const ActivityLimit = 512

type Controller struct {
	cfg      Config
	card     Card
	events   chan event
	done     chan struct{}
	listener net.Listener
	mux      *http.ServeMux
	group    *errgroup.Group
}

func New(cfg Config, card Card) (*Controller, error) {
	c := newController(cfg, card)

	err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o755)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if _, err := os.Stat(cfg.Socket); err == nil {
		fmt.Printf("Removing existing %s\n", cfg.Socket)
		os.Remove(cfg.Socket)
	}
	c.listener, err = net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	return c, nil
}

func newController(cfg Config, card Card) *Controller {
	return &Controller{
		cfg:    cfg,
		card:   card,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		mux:    http.NewServeMux(),
	}
}

// Setup applies the configured button modes and timers then reads the
// whole card state.
func (c *Controller) Setup(ctx context.Context) error {
	log := logger.LogWith(ctx)

	if bm := c.cfg.ButtonModes; bm != nil {
		f, err := c.card.SetButtonModes(bm.Modes)
		if err != nil {
			return fmt.Errorf("button modes: %w", err)
		}
		if _, err = f.Wait(ctx); err != nil {
			return fmt.Errorf("button modes: %w", err)
		}
		log.Infof("Button modes - momentary: %v - toggle: %v - timed: %v", bm.Momentary, bm.Toggle, bm.Timed)
	}

	for rname, relay := range c.cfg.Relays {
		if relay.Timer.Duration == 0 {
			continue
		}

		f, err := c.card.SetTimerDefault(k8090.Mask(1)<<relay.ID, relay.Timer.Duration)
		if err != nil {
			return fmt.Errorf("%s: timer: %w", rname, err)
		}
		if _, err = f.Wait(ctx); err != nil {
			return fmt.Errorf("%s: timer: %w", rname, err)
		}
		log.Infof("Default timer of %s(%s) set to %s", rname, relay.Label, relay.Timer)
	}

	return c.card.Refresh(ctx)
}

// Launch starts serving. It returns immediately; Wait blocks until ctx is
// done and everything is stopped.
func (c *Controller) Launch(ctx context.Context) {
	log := logger.LogWith(ctx)

	group, ctx := errgroup.WithContext(ctx)
	c.group = group

	unsubscribe := c.card.Subscribe(k8090.Funcs{
		OnRelayStatusChanged: func(prev, curr k8090.Mask, by k8090.Trigger) {
			c.relayStatusChanged(log, prev, curr, by)
		},
		OnButtonEvent: func(button int, pressed bool) {
			log.Debugf("Button %d pressed: %t", button+1, pressed)
		},
		OnConnectionChanged: func(state k8090.State) {
			log.Infof("K8090 %s", state)
			c.send(event{name: eventRefreshWatchers})
		},
		OnFramingError: func(err error) {
			log.Debugf("Dropped bytes: %s", err)
		},
	})

	group.Go(func() error {
		c.eventLoop(ctx)
		return nil
	})

	group.Go(func() error {
		w := c.card.Mirror().Watch()
		go func() {
			<-ctx.Done()
			w.Close()
		}()

		for w.Next() {
			c.send(event{name: eventRefreshWatchers})
		}
		return nil
	})

	c.routes(log)

	var srv *http.Server
	if c.listener != nil {
		srv = &http.Server{Handler: c.mux}
		group.Go(func() error {
			log.Info("Starting HTTP server on", c.listener.Addr().String())
			err := srv.Serve(c.listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		unsubscribe()
		close(c.done)
		if srv == nil {
			return nil
		}

		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Error("Could not shutdown HTTP server")
		}
		if err := os.Remove(c.listener.Addr().String()); err != nil && !errors.Is(err, os.ErrNotExist) {
			// srv.Shutdown() should close the socket but ceinture et bretelles!
			log.WithError(err).Errorf("Could not remove socket %s", c.listener.Addr().String())
		}
		return nil
	})
}

// Wait blocks until every goroutine started by Launch returned.
func (c *Controller) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Handler returns the HTTP API. It is only complete once Launch is called.
func (c *Controller) Handler() http.Handler {
	return c.mux
}

func (c *Controller) routes(log logger.Logger) {
	c.mux.HandleFunc("GET /status", c.status)
	c.mux.HandleFunc("GET /monitor", c.monitor(log))
	c.mux.HandleFunc("GET /activity", c.activity)
	c.mux.HandleFunc("POST /relays/{action}", c.switchRelays(log))
	c.mux.HandleFunc("POST /timers", c.startTimer(log))
	c.mux.HandleFunc("POST /reset", c.factoryReset(log))
}

// send hands e to the event loop unless the controller is stopping.
func (c *Controller) send(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Controller) relayStatusChanged(log logger.Logger, prev, curr k8090.Mask, by k8090.Trigger) {
	now := time.Now()

	var activities []Activity
	var changes []string
	for _, i := range (prev ^ curr).Relays() {
		a := Activity{
			At:      now,
			Relay:   i + 1,
			Label:   c.cfg.Label(i),
			On:      curr.Has(i),
			Trigger: by.String(),
			Current: curr,
		}
		activities = append(activities, a)

		state := "off"
		if a.On {
			state = "on"
		}
		changes = append(changes, fmt.Sprintf("relay%d(%s): %s", a.Relay, a.Label, state))
	}
	if len(activities) == 0 {
		return
	}

	log.Infof("%s by %s", strings.Join(changes, " - "), by)
	c.send(event{name: eventActivity, activity: activities})
}

func (c *Controller) eventLoop(ctx context.Context) {
	log := logger.LogWith(ctx)
	watchers := map[int64]chan<- []byte{}
	var activity []Activity

	for {
		var e event
		select {
		case <-ctx.Done():
			for _, watcher := range watchers {
				close(watcher)
			}
			return
		case e = <-c.events:
		}

		switch e.name {
		case eventActivity:
			activity = append(activity, e.activity...)
			if n := len(activity) - ActivityLimit; n > 0 {
				activity = append(activity[:0], activity[n:]...)
			}
		case eventActivityQuery:
			e.reply <- append([]Activity(nil), activity...)
		case eventRefreshWatchers:
			if len(watchers) == 0 {
				continue
			}

			payload, err := json.Marshal(c.Status())
			if err != nil {
				log.WithError(err).Error("Could not serialize status") // Should never happen
				continue
			}

			for id, watcher := range watchers {
				select {
				case watcher <- payload:
				default:
					log.Warnf("Monitor %d is too slow, skipping update", id)
				}
			}
		case eventWatch:
			watchers[e.monitorID] = e.monitor

			payload, err := json.Marshal(c.Status())
			if err != nil {
				log.WithError(err).Error("Could not serialize status")
				continue
			}
			e.monitor <- payload
		case eventUnwatch:
			if watcher, ok := watchers[e.monitorID]; ok {
				close(watcher)
				delete(watchers, e.monitorID)
			}
		}
	}
}

// Status returns the card state as known by the driver.
func (c *Controller) Status() Status {
	s := c.card.Mirror().Snapshot()

	status := Status{
		State:    c.card.State().String(),
		Relays:   make([]RelayState, k8090.NumRelays),
		Firmware: s.Firmware,
		Jumper:   s.Jumper,
		Stats:    c.card.Stats(),
	}

	for i := range status.Relays {
		r := RelayState{
			ID:        i + 1,
			Label:     c.cfg.Label(i),
			Default:   s.Timers[i].Default,
			Remaining: s.Timers[i].Remaining,
		}
		if s.Relays != nil {
			r.On = ToPtr(s.Relays.Current.Has(i))
			r.Timed = ToPtr(s.Relays.Timed.Has(i))
		}
		status.Relays[i] = r
	}

	if s.Buttons != nil {
		status.Buttons = &ButtonsState{
			Momentary: oneIndexed(s.Buttons.Momentary),
			Toggle:    oneIndexed(s.Buttons.Toggle),
			Timed:     oneIndexed(s.Buttons.Timed),
		}
	}

	return status
}

// Activity returns the recorded relay transitions, oldest first.
func (c *Controller) Activity(ctx context.Context) ([]Activity, error) {
	reply := make(chan []Activity, 1)
	select {
	case c.events <- event{name: eventActivityQuery, reply: reply}:
	case <-c.done:
		return nil, k8090.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case activity := <-reply:
		return activity, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Status())
}

func (c *Controller) activity(w http.ResponseWriter, r *http.Request) {
	activity, err := c.Activity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (c *Controller) switchRelays(log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := k8090.ParseMask(r.URL.Query().Get("relays"))
		if err != nil {
			writeError(w, err)
			return
		}

		var f *k8090.Future[k8090.RelayStatus]
		switch action := r.PathValue("action"); action {
		case "on":
			f, err = c.card.SwitchOn(m)
		case "off":
			f, err = c.card.SwitchOff(m)
		case "toggle":
			f, err = c.card.Toggle(m)
		default:
			writeError(w, fmt.Errorf("%w: unknown action %q", k8090.ErrInvalidArgument, action))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}

		rs, err := f.Wait(r.Context())
		if err != nil {
			log.WithError(err).Errorf("Could not %s relays %v", r.PathValue("action"), oneIndexed(m))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rs)
	}
}

func (c *Controller) startTimer(log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := k8090.ParseMask(r.URL.Query().Get("relays"))
		if err != nil {
			writeError(w, err)
			return
		}

		var delay Duration
		if err = delay.parse(r.URL.Query().Get("delay")); err != nil {
			writeError(w, fmt.Errorf("%w: %w", k8090.ErrInvalidArgument, err))
			return
		}

		f, err := c.card.StartTimer(m, delay.Duration)
		if err != nil {
			writeError(w, err)
			return
		}

		rs, err := f.Wait(r.Context())
		if err != nil {
			log.WithError(err).Errorf("Could not start timer of relays %v", oneIndexed(m))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rs)
	}
}

func (c *Controller) factoryReset(log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := c.card.FactoryReset()
		if err != nil {
			writeError(w, err)
			return
		}

		if _, err = f.Wait(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		log.Info("Factory defaults restored")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Controller) monitor(log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Info("Client connected")

		// Set http headers required for SSE.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		disconnected := r.Context().Done()

		id := genID()
		ch := make(chan []byte, 20)
		c.send(event{name: eventWatch, monitorID: id, monitor: ch})

		rc := http.NewResponseController(w)
		for {
			select {
			case <-disconnected:
				log.Info("Client disconnected")
				c.send(event{name: eventUnwatch, monitorID: id})
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}

				if err := WriteSSE(w, payload); err != nil {
					log.WithError(err).Error("Could not write monitor SSE payload")
					c.send(event{name: eventUnwatch, monitorID: id})
					return
				}

				if err := rc.Flush(); err != nil {
					log.WithError(err).Error("Could not flush monitor SSE payload")
					c.send(event{name: eventUnwatch, monitorID: id})
					return
				}
			}
		}
	}
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, k8090.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, k8090.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, k8090.ErrTransport), errors.Is(err, k8090.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusRequestTimeout
	}
	writeJSON(w, code, apiError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
