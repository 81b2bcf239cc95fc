package monitor

// FocusState is whether the embedding host is in the foreground.
type FocusState string

const (
	FocusForeground FocusState = "foreground"
	FocusBackground FocusState = "background"
)

// NetworkStatus is the host's reported connectivity.
type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkSlow    NetworkStatus = "slow"
	NetworkOffline NetworkStatus = "offline"
)

// DeviceState is the host condition snapshot the sweep interval is computed
// from. Injected by the embedding host through the signal endpoints.
type DeviceState struct {
	Focus        FocusState
	Network      NetworkStatus
	BatteryLevel float64
	Charging     bool
}

// defaultDeviceState assumes the most permissive conditions until the host
// says otherwise.
func defaultDeviceState() DeviceState {
	return DeviceState{
		Focus:        FocusForeground,
		Network:      NetworkOnline,
		BatteryLevel: 1.0,
		Charging:     false,
	}
}

const lowBatteryLevel = 0.2

// lowPower reports whether checks should be throttled for battery reasons.
func (d DeviceState) lowPower() bool {
	return d.BatteryLevel <= lowBatteryLevel && !d.Charging
}
