package events

import "testing"

func TestEmitDispatchesToAllListeners(t *testing.T) {
	b := NewBus()
	var got1, got2 []Name

	b.Subscribe(func(ev Event) { got1 = append(got1, ev.Name) })
	b.Subscribe(func(ev Event) { got2 = append(got2, ev.Name) })

	b.Emit(Event{Name: ClientConnect, ClientConnect: &ClientConnectPayload{ClientID: "c1"}})

	if len(got1) != 1 || got1[0] != ClientConnect {
		t.Fatalf("listener 1 got %v", got1)
	}
	if len(got2) != 1 || got2[0] != ClientConnect {
		t.Fatalf("listener 2 got %v", got2)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var count int

	sub := b.Subscribe(func(ev Event) { count++ })
	b.Emit(Event{Name: ClientConnect})
	sub.Unsubscribe()
	b.Emit(Event{Name: ClientConnect})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestDrainRemovesAllListeners(t *testing.T) {
	b := NewBus()
	var count int
	b.Subscribe(func(ev Event) { count++ })
	b.Subscribe(func(ev Event) { count++ })

	b.Drain()
	b.Emit(Event{Name: ClientConnect})

	if count != 0 {
		t.Fatalf("count = %d, want 0 after drain", count)
	}
}
