package domain

// RosterEntry is the public view of one participant. It is derived on
// every visible state change, never stored.
type RosterEntry struct {
	ID                   SessionID    `json:"id"`
	IsPresenter          bool         `json:"is_presenter"`
	AvailableProducerIDs []ResourceID `json:"availableProducerIds"`
}
