package notifications

import "sort"

// Event is a simulated business event that lands in the inbox.
type Event struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

const (
	EventJobOffer    = "job-offer"
	EventSystemAlert = "system-alert"
	EventSecurity    = "security"
)

var catalog = map[string]Event{
	EventJobOffer:    {Key: EventJobOffer, Title: "Job Offer", Message: "You have a new contract offer from London."},
	EventSystemAlert: {Key: EventSystemAlert, Title: "System Alert", Message: "Your ink supply is running critically low."},
	EventSecurity:    {Key: EventSecurity, Title: "Security", Message: "Someone attempted to access your archives."},
}

// LookupEvent returns the catalog entry for key.
func LookupEvent(key string) (Event, bool) {
	e, ok := catalog[key]
	return e, ok
}

// Events lists the catalog ordered by key.
func Events() []Event {
	out := make([]Event, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
