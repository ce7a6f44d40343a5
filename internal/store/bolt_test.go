package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetLayout(t *testing.T) {
	s := newTestStore(t)

	l := &Layout{
		OwnerID:  "alice@example.com",
		LayoutID: "plant-floor",
		Name:     "Plant Floor",
		Nodes: []SwitchNode{
			{ID: "n1", SwitchName: "Main Feed", Address: "63", BrokerURL: "mqtt://broker:1883", IsOn: true},
		},
		LastSaved: time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveLayout(l); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLayout("alice@example.com", "plant-floor")
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != "Plant Floor" {
		t.Errorf("name = %q, want %q", got.Name, "Plant Floor")
	}
	if len(got.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(got.Nodes))
	}
	if got.Nodes[0].Address != "63" {
		t.Errorf("address = %q, want %q", got.Nodes[0].Address, "63")
	}
	if !got.Nodes[0].IsOn {
		t.Error("is_on = false, want true")
	}
}

func TestGetLayoutNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLayout("nobody", "nothing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteLayout(t *testing.T) {
	s := newTestStore(t)

	l := &Layout{OwnerID: "alice", LayoutID: "a"}
	if err := s.SaveLayout(l); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteLayout("alice", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetLayout("alice", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListLayoutsScopedToOwner(t *testing.T) {
	s := newTestStore(t)

	for _, l := range []*Layout{
		{OwnerID: "alice", LayoutID: "a"},
		{OwnerID: "alice", LayoutID: "b"},
		{OwnerID: "bob", LayoutID: "c"},
	} {
		if err := s.SaveLayout(l); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListLayouts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("layouts = %d, want 2", len(list))
	}
	for _, l := range list {
		if l.OwnerID != "alice" {
			t.Errorf("owner = %q, want alice", l.OwnerID)
		}
	}
}

func TestFindNode(t *testing.T) {
	s := newTestStore(t)

	l := &Layout{
		OwnerID:  "alice",
		LayoutID: "a",
		Nodes: []SwitchNode{
			{ID: "n1", Address: "63", SwitchName: "Feed A"},
			{ID: "n2", Address: "64", SwitchName: "Feed B"},
		},
	}
	if err := s.SaveLayout(l); err != nil {
		t.Fatal(err)
	}

	n, err := s.FindNode("alice", "64")
	if err != nil {
		t.Fatal(err)
	}
	if n.SwitchName != "Feed B" {
		t.Errorf("switch name = %q, want %q", n.SwitchName, "Feed B")
	}

	if _, err := s.FindNode("alice", "99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindNode("bob", "63"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Fan-out: the same address on several layouts of one owner is updated
// everywhere, but never on another owner's layouts.
func TestUpdateNodesFanOut(t *testing.T) {
	s := newTestStore(t)

	for _, l := range []*Layout{
		{OwnerID: "alice", LayoutID: "a", Nodes: []SwitchNode{{ID: "n1", Address: "63"}}},
		{OwnerID: "alice", LayoutID: "b", Nodes: []SwitchNode{{ID: "n2", Address: "63"}, {ID: "n3", Address: "64"}}},
		{OwnerID: "bob", LayoutID: "c", Nodes: []SwitchNode{{ID: "n4", Address: "63"}}},
	} {
		if err := s.SaveLayout(l); err != nil {
			t.Fatal(err)
		}
	}

	updated, err := s.UpdateNodes("alice", "63", func(n *SwitchNode) {
		n.Voltage = 231.5
		n.HealthStatus = "WARNING"
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2", updated)
	}

	for _, layoutID := range []string{"a", "b"} {
		l, err := s.GetLayout("alice", layoutID)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range l.Nodes {
			if n.Address == "63" {
				if n.Voltage != 231.5 {
					t.Errorf("layout %s voltage = %v, want 231.5", layoutID, n.Voltage)
				}
				if n.HealthStatus != "WARNING" {
					t.Errorf("layout %s health = %q, want WARNING", layoutID, n.HealthStatus)
				}
			} else if n.Voltage != 0 {
				t.Errorf("layout %s node %s voltage = %v, want 0", layoutID, n.ID, n.Voltage)
			}
		}
		if l.LastSaved.IsZero() {
			t.Errorf("layout %s last_saved not refreshed", layoutID)
		}
	}

	bobs, err := s.GetLayout("bob", "c")
	if err != nil {
		t.Fatal(err)
	}
	if bobs.Nodes[0].Voltage != 0 {
		t.Errorf("bob's node voltage = %v, want 0", bobs.Nodes[0].Voltage)
	}
}

func TestUpdateNodesNoMatch(t *testing.T) {
	s := newTestStore(t)

	l := &Layout{OwnerID: "alice", LayoutID: "a", Nodes: []SwitchNode{{ID: "n1", Address: "63"}}}
	if err := s.SaveLayout(l); err != nil {
		t.Fatal(err)
	}

	updated, err := s.UpdateNodes("alice", "99", func(n *SwitchNode) { n.Voltage = 1 })
	if err != nil {
		t.Fatal(err)
	}
	if updated != 0 {
		t.Fatalf("updated = %d, want 0", updated)
	}
}

func TestDevicesWithBroker(t *testing.T) {
	s := newTestStore(t)

	for _, l := range []*Layout{
		{OwnerID: "alice", LayoutID: "a", Nodes: []SwitchNode{
			{ID: "n1", Address: "63", BrokerURL: "mqtt://b1:1883"},
			{ID: "n2", Address: "64"}, // no broker, not discoverable
		}},
		{OwnerID: "bob", LayoutID: "c", Nodes: []SwitchNode{
			{ID: "n3", Address: "65", BrokerURL: "mqtt://b2:1883", Username: "u", Password: "p"},
		}},
	} {
		if err := s.SaveLayout(l); err != nil {
			t.Fatal(err)
		}
	}

	devices, err := s.DevicesWithBroker()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	byAddr := make(map[string]Device)
	for _, d := range devices {
		byAddr[d.Address] = d
	}
	if byAddr["63"].OwnerID != "alice" {
		t.Errorf("device 63 owner = %q, want alice", byAddr["63"].OwnerID)
	}
	if byAddr["65"].Username != "u" {
		t.Errorf("device 65 username = %q, want u", byAddr["65"].Username)
	}
}

func TestAlertAppendListDelete(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		e := &AlertEntry{
			Timestamp:    time.Now(),
			OwnerID:      "alice",
			Message:      "High current detected",
			BrokerURL:    "mqtt://b:1883",
			Address:      "63",
			SwitchName:   "Main Feed",
			HealthStatus: "WARNING",
		}
		if err := s.AppendAlert(e); err != nil {
			t.Fatal(err)
		}
		if e.Seq == 0 {
			t.Fatal("seq not assigned")
		}
	}
	if err := s.AppendAlert(&AlertEntry{OwnerID: "bob", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	alerts, err := s.ListAlerts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d, want 3", len(alerts))
	}

	if err := s.DeleteAlert("alice", alerts[0].Seq); err != nil {
		t.Fatal(err)
	}
	alerts, err = s.ListAlerts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts after delete = %d, want 2", len(alerts))
	}

	// Deleting another owner's alert must fail.
	if err := s.DeleteAlert("alice", 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner delete err = %v, want ErrNotFound", err)
	}
}
