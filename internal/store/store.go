package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Layout operations
	SaveLayout(l *Layout) error
	GetLayout(ownerID, layoutID string) (*Layout, error)
	DeleteLayout(ownerID, layoutID string) error
	ListLayouts(ownerID string) ([]*Layout, error)

	// FindNode returns the first node matching (owner, normalized address)
	// across the owner's layouts. Returns ErrNotFound if no layout node
	// references the address.
	FindNode(ownerID, address string) (*SwitchNode, error)

	// UpdateNodes applies fn to every node matching (owner, normalized
	// address) across all of the owner's layouts, in a single transaction.
	// Every touched layout gets its LastSaved refreshed. Returns the number
	// of nodes updated.
	UpdateNodes(ownerID, address string, fn func(n *SwitchNode)) (int, error)

	// DevicesWithBroker returns every layout node, across all owners, that
	// declares a broker URL.
	DevicesWithBroker() ([]Device, error)

	// Alert log operations. The log is append-only; entries are removed
	// only through DeleteAlert.
	AppendAlert(e *AlertEntry) error
	ListAlerts(ownerID string) ([]*AlertEntry, error)
	DeleteAlert(ownerID string, seq uint64) error

	// Close the store
	Close() error
}
