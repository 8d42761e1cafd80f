package radio

// Event is a notification from a Driver. The concrete types below are the
// complete set.
type Event interface {
	radioEvent()
}

// StateChanged reports a radio power/authorization transition.
type StateChanged struct {
	State State
}

// AdvertisementReceived carries one scanned advertisement.
type AdvertisementReceived struct {
	Record Record
}

// ScanFailed reports that the platform stopped or refused a scan.
type ScanFailed struct {
	Err error
}

// AdvertiseFailed reports that the platform could not start advertising.
type AdvertiseFailed struct {
	Err error
}

// ConnectionChanged reports the outcome of Connect or a later link loss.
// Err is set when the platform reports a failure status.
type ConnectionChanged struct {
	Conn      ConnHandle
	Connected bool
	Err       error
}

// ServicesDiscovered completes DiscoverServices.
type ServicesDiscovered struct {
	Conn     ConnHandle
	Services []Service
	Err      error
}

// CharacteristicsDiscovered completes DiscoverCharacteristics for Service.
type CharacteristicsDiscovered struct {
	Conn            ConnHandle
	Service         Service
	Characteristics []Characteristic
	Err             error
}

func (StateChanged) radioEvent()              {}
func (AdvertisementReceived) radioEvent()     {}
func (ScanFailed) radioEvent()                {}
func (AdvertiseFailed) radioEvent()           {}
func (ConnectionChanged) radioEvent()         {}
func (ServicesDiscovered) radioEvent()        {}
func (CharacteristicsDiscovered) radioEvent() {}
