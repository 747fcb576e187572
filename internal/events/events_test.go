package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/recoveryroom/round-engine/internal/model"
)

func TestMulti_ContinuesPastFailingSink(t *testing.T) {
	var got []Type
	ok := PublisherFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	})
	failing := PublisherFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	})

	m := Multi{failing, nil, ok, Log{}}
	if err := m.Publish(context.Background(), Event{Type: TypeRoundOpened, RoundID: 1}); err != nil {
		t.Fatalf("multi should swallow sink errors, got %v", err)
	}
	if len(got) != 1 || got[0] != TypeRoundOpened {
		t.Errorf("expected healthy sink to receive the event, got %v", got)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(TypeRoundCompleted); got != "recoveryroom.round.completed" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestEvent_JSONShape(t *testing.T) {
	var r model.Randomness
	r[0] = 0xAB
	ev := Event{
		Type:      TypeRoundCompleted,
		RoundID:   4,
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Data:      RoundCompleted{Winner: "W", Randomness: r},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Type    string `json:"type"`
		RoundID uint64 `json:"round_id"`
		Data    struct {
			Winner     string `json:"winner"`
			Randomness string `json:"randomness"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "round.completed" || decoded.RoundID != 4 || decoded.Data.Winner != "W" {
		t.Errorf("unexpected envelope: %s", data)
	}
	if decoded.Data.Randomness != r.String() {
		t.Errorf("randomness should be hex encoded, got %q", decoded.Data.Randomness)
	}
}
