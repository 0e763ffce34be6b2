package k8090

// Decoding of response payloads into typed values.

func relayStatusOf(f Frame) RelayStatus {
	return RelayStatus{
		Previous: f.Mask,
		Current:  Mask(f.ParamHi),
		Timed:    Mask(f.ParamLo),
	}
}

func buttonModesOf(f Frame) ButtonModes {
	return ButtonModes{
		Momentary: f.Mask,
		Toggle:    Mask(f.ParamHi),
		Timed:     Mask(f.ParamLo),
	}
}

// timerValuesOf expands a timer response into one value per relay it
// designates. The kind is not echoed by the card and comes from the query.
func timerValuesOf(f Frame, kind TimerKind) []TimerValue {
	values := make([]TimerValue, 0, 1)
	for _, relay := range f.Mask.Relays() {
		values = append(values, TimerValue{Relay: relay, Kind: kind, Delay: f.Param()})
	}
	return values
}

func firmwareOf(f Frame) Firmware {
	return Firmware{Year: 2000 + int(f.ParamHi), Week: int(f.ParamLo)}
}

func jumperOf(f Frame) bool {
	return f.ParamHi != 0
}
