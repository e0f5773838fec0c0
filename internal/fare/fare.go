// Package fare serves the static district / drop-point fare table. The data
// is compiled in and never mutated at runtime; it is reference material for
// building a booking, not client-owned state.
package fare

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
)

//go:embed districts.json
var rawTable []byte

// DropPoint is a destination within a district and its fare.
type DropPoint struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// District groups the drop points reachable from the terminal.
type District struct {
	Name           string      `json:"name"`
	DroppingPoints []DropPoint `json:"dropping_points"`
}

// Table is the loaded fare table.
type Table struct {
	districts []District
	index     map[string]int
}

var (
	loadOnce  sync.Once
	loaded    *Table
	loadError error
)

// Load parses the embedded table once and returns it.
func Load() (*Table, error) {
	loadOnce.Do(func() {
		var wrapper struct {
			Districts []District `json:"districts"`
		}
		if err := json.Unmarshal(rawTable, &wrapper); err != nil {
			loadError = fmt.Errorf("fare: parse embedded table: %w", err)
			return
		}
		t := &Table{
			districts: wrapper.Districts,
			index:     make(map[string]int, len(wrapper.Districts)),
		}
		for i, d := range wrapper.Districts {
			t.index[d.Name] = i
		}
		loaded = t
	})
	return loaded, loadError
}

// Districts returns the district names in table order.
func (t *Table) Districts() []string {
	names := make([]string, len(t.districts))
	for i, d := range t.districts {
		names[i] = d.Name
	}
	return names
}

// DropPoints returns the drop points for a district.
func (t *Table) DropPoints(district string) ([]DropPoint, bool) {
	i, ok := t.index[district]
	if !ok {
		return nil, false
	}
	points := make([]DropPoint, len(t.districts[i].DroppingPoints))
	copy(points, t.districts[i].DroppingPoints)
	return points, true
}

// Price resolves the fare for a district / drop-point pair.
func (t *Table) Price(district, dropPoint string) (int, bool) {
	points, ok := t.DropPoints(district)
	if !ok {
		return 0, false
	}
	for _, p := range points {
		if p.Name == dropPoint {
			return p.Price, true
		}
	}
	return 0, false
}
