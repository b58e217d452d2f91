package syncer

// Observer receives progress of a sync. Methods may be called concurrently
// for different relays.
type Observer interface {
	// OnRelaySynced is called when a relay finished with the number of
	// events retrieved from it.
	OnRelaySynced(url string, events int)
	// OnRelayError is called when a relay is excluded from the sync.
	OnRelayError(url string, err error)
	// OnSyncComplete is called once after every relay finished.
	OnSyncComplete()
}

// ObserverFuncs implements Observer with optional functions.
type ObserverFuncs struct {
	RelaySynced  func(url string, events int)
	RelayError   func(url string, err error)
	SyncComplete func()
}

var _ Observer = ObserverFuncs{}

func (o ObserverFuncs) OnRelaySynced(url string, events int) {
	if o.RelaySynced != nil {
		o.RelaySynced(url, events)
	}
}

func (o ObserverFuncs) OnRelayError(url string, err error) {
	if o.RelayError != nil {
		o.RelayError(url, err)
	}
}

func (o ObserverFuncs) OnSyncComplete() {
	if o.SyncComplete != nil {
		o.SyncComplete()
	}
}
