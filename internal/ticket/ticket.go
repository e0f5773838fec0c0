// Package ticket owns the client's view of the user's bookings: the typed
// Ticket record, the per-user durable cache, and the optimistic removal
// controller. The authoritative list lives on the backend; everything here
// is a possibly-stale projection scoped to one identity.
package ticket

import "encoding/json"

// Ticket is one booking. The backend assigns IDs and list order; the client
// preserves both. Fields it does not model ride along in Extra so a fetched
// list survives a save/load round trip bit-for-bit.
type Ticket struct {
	ID        string
	Fullname  string
	Phone     string
	District  string
	DropPoint string
	Price     int
	Extra     map[string]any
}

type ticketWire struct {
	ID        string `json:"id"`
	Fullname  string `json:"fullname"`
	Phone     string `json:"phone"`
	District  string `json:"district"`
	DropPoint string `json:"drop_point"`
	Price     int    `json:"price"`
}

var knownTicketFields = map[string]struct{}{
	"id": {}, "fullname": {}, "phone": {}, "district": {}, "drop_point": {}, "price": {},
}

// UnmarshalJSON lifts known fields and keeps the rest as passthrough.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	var wire ticketWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Ticket{
		ID:        wire.ID,
		Fullname:  wire.Fullname,
		Phone:     wire.Phone,
		District:  wire.District,
		DropPoint: wire.DropPoint,
		Price:     wire.Price,
	}
	for k, v := range raw {
		if _, known := knownTicketFields[k]; known {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = v
	}
	return nil
}

// MarshalJSON re-merges passthrough fields under the typed ones.
func (t Ticket) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+6)
	for k, v := range t.Extra {
		out[k] = v
	}
	out["id"] = t.ID
	out["fullname"] = t.Fullname
	out["phone"] = t.Phone
	out["district"] = t.District
	out["drop_point"] = t.DropPoint
	out["price"] = t.Price
	return json.Marshal(out)
}

func cloneList(list []Ticket) []Ticket {
	if list == nil {
		return nil
	}
	out := make([]Ticket, len(list))
	copy(out, list)
	return out
}
