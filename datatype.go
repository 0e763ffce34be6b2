package k8090d

import (
	"context"
	"time"

	"github.com/mdouchement/k8090d/k8090"
)

// Card is the part of *k8090.Card used by the controller.
type Card interface {
	SwitchOn(m k8090.Mask) (*k8090.Future[k8090.RelayStatus], error)
	SwitchOff(m k8090.Mask) (*k8090.Future[k8090.RelayStatus], error)
	Toggle(m k8090.Mask) (*k8090.Future[k8090.RelayStatus], error)
	StartTimer(m k8090.Mask, delay time.Duration) (*k8090.Future[k8090.RelayStatus], error)
	SetTimerDefault(m k8090.Mask, delay time.Duration) (*k8090.Future[[]k8090.TimerValue], error)
	SetButtonModes(bm k8090.ButtonModes) (*k8090.Future[k8090.ButtonModes], error)
	FactoryReset() (*k8090.Future[struct{}], error)
	Refresh(ctx context.Context) error
	Subscribe(s k8090.Subscriber) (unsubscribe func())
	Mirror() *k8090.Mirror
	State() k8090.State
	Stats() k8090.Stats
}

// Status is the payload of GET /status and of every monitor event.
type Status struct {
	State    string          `json:"state"`
	Relays   []RelayState    `json:"relays"`
	Buttons  *ButtonsState   `json:"buttons,omitempty"`
	Firmware *k8090.Firmware `json:"firmware,omitempty"`
	Jumper   *bool           `json:"jumper,omitempty"`
	Stats    k8090.Stats     `json:"stats"`
}

type RelayState struct {
	ID        int     `json:"id"`
	Label     string  `json:"label"`
	On        *bool   `json:"on,omitempty"`
	Timed     *bool   `json:"timed,omitempty"`
	Default   *uint16 `json:"default_timer,omitempty"`
	Remaining *uint16 `json:"remaining_timer,omitempty"`
}

type ButtonsState struct {
	Momentary []int `json:"momentary"`
	Toggle    []int `json:"toggle"`
	Timed     []int `json:"timed"`
}

// Activity is a relay transition recorded by the daemon.
type Activity struct {
	At      time.Time  `json:"at"`
	Relay   int        `json:"relay"`
	Label   string     `json:"label"`
	On      bool       `json:"on"`
	Trigger string     `json:"trigger"`
	Current k8090.Mask `json:"current"`
}

func ToPtr[T any](v T) *T {
	return &v
}

const (
	eventRefreshWatchers = "refresh-watchers"
	eventWatch           = "watch"
	eventUnwatch         = "unwatch"
	eventActivity        = "activity"
	eventActivityQuery   = "activity-query"
)

type event struct {
	name      string
	activity  []Activity
	monitorID int64
	monitor   chan<- []byte
	reply     chan<- []Activity
}

func genID() int64 {
	time.Sleep(time.Nanosecond)
	return time.Now().UnixNano()
}

// oneIndexed converts a mask to one-indexed relay numbers.
func oneIndexed(m k8090.Mask) []int {
	relays := m.Relays()
	for i := range relays {
		relays[i]++
	}
	return relays
}
