package flow

import "go.jetify.com/typeid"

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewExecutionID returns a new sortable execution identifier.
func NewExecutionID() string {
	return newID("exec")
}

// NewCheckpointID returns a new checkpoint identifier.
func NewCheckpointID() string {
	return newID("ckpt")
}

// NewJournalID returns a new journal entry identifier.
func NewJournalID() string {
	return newID("jrnl")
}
