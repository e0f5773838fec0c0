package fare

import "testing"

func TestDistrictsInTableOrder(t *testing.T) {
	t.Parallel()

	table, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	names := table.Districts()
	if len(names) != 8 {
		t.Fatalf("districts = %v", names)
	}
	if names[0] != "Dhaka" || names[7] != "Mymensingh" {
		t.Fatalf("order not preserved: %v", names)
	}
}

func TestDropPoints(t *testing.T) {
	t.Parallel()

	table, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	points, ok := table.DropPoints("Sylhet")
	if !ok || len(points) != 2 {
		t.Fatalf("DropPoints(Sylhet) = %+v, %v", points, ok)
	}
	if points[0].Name != "Kadamtali" || points[0].Price != 570 {
		t.Fatalf("first drop point = %+v", points[0])
	}

	if _, ok := table.DropPoints("Atlantis"); ok {
		t.Fatalf("unknown district must not resolve")
	}
}

func TestPrice(t *testing.T) {
	t.Parallel()

	table, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		district string
		drop     string
		want     int
		ok       bool
	}{
		{"Dhaka", "Gabtoli", 350, true},
		{"Chattogram", "A K Khan", 650, true},
		{"Dhaka", "Dampara", 0, false},
		{"Nowhere", "Gabtoli", 0, false},
	}
	for _, tc := range cases {
		got, ok := table.Price(tc.district, tc.drop)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Price(%s, %s) = %d, %v", tc.district, tc.drop, got, ok)
		}
	}
}
