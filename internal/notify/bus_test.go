package notify

import (
	"testing"

	"kimpbot/internal/models"
)

func TestBus_EmitAndDrain(t *testing.T) {
	b := NewBus(2)
	b.Emit(models.Notification{Type: models.NotificationEntryDone, Symbol: "BTC"})
	b.Emit(models.Notification{Type: models.NotificationExitDone, Symbol: "ETH"})

	first := <-b.C()
	if first.Type != models.NotificationEntryDone {
		t.Fatalf("expected entry-done first, got %v", first.Type)
	}
	second := <-b.C()
	if second.Symbol != "ETH" {
		t.Fatalf("expected ETH second, got %v", second.Symbol)
	}
}

func TestBus_EmitDropsRatherThanBlocksWhenFull(t *testing.T) {
	b := NewBus(1)
	b.Emit(models.Notification{Type: models.NotificationRollback})
	b.Emit(models.Notification{Type: models.NotificationUnhedged}) // should drop, not block

	got := <-b.C()
	if got.Type != models.NotificationRollback {
		t.Fatalf("expected the first enqueued notification to survive, got %v", got.Type)
	}
	select {
	case extra := <-b.C():
		t.Fatalf("expected the channel to be empty after draining one, got %v", extra)
	default:
	}
}

func TestBus_NilBusEmitIsANoOp(t *testing.T) {
	var b *Bus
	b.Emit(models.Notification{Type: models.NotificationEntryDone})
	if b.C() != nil {
		t.Fatalf("expected a nil bus's channel to be nil")
	}
}
