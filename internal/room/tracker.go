package room

import (
	"context"
	"log/slog"
	"time"

	"github.com/ugaemi/tag-server/internal/events"
	"github.com/ugaemi/tag-server/internal/game"
	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/polling"
	"github.com/ugaemi/tag-server/internal/presence"
	"github.com/ugaemi/tag-server/internal/proximity"
	"github.com/ugaemi/tag-server/internal/store"
	"github.com/ugaemi/tag-server/internal/ws"
)

const (
	eventBuffer     = 64
	presenceTimeout = 2 * time.Second
	storeTimeout    = 5 * time.Second
)

// tracker owns the location engine of one player and forwards its events
// to the player's socket.
type tracker struct {
	room     *Room
	playerID string
	client   *ws.Client
	source   *clientSource
	engine   *polling.Engine
	log      *slog.Logger

	events <-chan events.Event
	done   chan struct{}

	// guarded by room.mu
	startedAt time.Time
}

func newTracker(r *Room, playerID string, client *ws.Client) *tracker {
	log := slog.Default().With("room", r.Code, "player", playerID)
	src := newClientSource(client)

	e := polling.NewEngine(polling.Options{
		Source:            src,
		Battery:           src,
		Clock:             r.deps.Clock,
		Motion:            r.deps.Settings.Motion,
		MovementThreshold: r.deps.Settings.MovementThreshold,
		Observer:          r.deps.Observer,
		Logger:            log,
	})
	ch, _ := e.Subscribe(eventBuffer)

	t := &tracker{
		room:     r,
		playerID: playerID,
		client:   client,
		source:   src,
		engine:   e,
		log:      log,
		events:   ch,
		done:     make(chan struct{}),
	}
	go t.forward()
	return t
}

// forward runs until the engine is destroyed.
func (t *tracker) forward() {
	defer close(t.done)

	for ev := range t.events {
		msg, err := ws.NewMessage(ev.Type, ev.Data)
		if err != nil {
			t.log.Error("failed to encode engine event", "type", ev.Type, "error", err)
			continue
		}
		t.client.SendMessage(msg)

		if pos, ok := ev.Data.(polling.Position); ok {
			t.room.handlePosition(t.playerID, pos.Sample)
		}
	}
}

// start begins or resumes watching. It also clears a permission denial.
func (t *tracker) start(ctx context.Context) error {
	if err := t.engine.Start(ctx); err != nil {
		return err
	}
	return t.engine.StartWatch()
}

// finish destroys the engine, waits for the forwarder to drain and records
// the session. It must be called without the room lock held.
func (t *tracker) finish(p game.Player, startedAt time.Time) {
	stats := t.engine.BatteryStats()
	t.engine.Destroy()
	<-t.done

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	if err := t.room.deps.Presence.Remove(ctx, t.room.Code, t.playerID); err != nil {
		t.log.Warn("failed to remove presence", "error", err)
	}
	cancel()

	if startedAt.IsZero() || t.room.deps.Store == nil {
		return
	}

	rec := store.SessionRecord{
		PlayerID:         t.playerID,
		RoomCode:         t.room.Code,
		Nickname:         p.Nickname,
		Role:             p.Role.String(),
		StartedAt:        startedAt,
		EndedAt:          t.room.deps.Clock.Now(),
		FinalProfile:     string(stats.Profile),
		AcceptedFixes:    int64(stats.AcceptedFixes),
		ThrottledFixes:   int64(stats.ThrottledFixes),
		StationaryMillis: time.Duration(stats.StationaryTime).Milliseconds(),
		BatteryLevel:     stats.Level,
	}

	ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.room.deps.Store.SaveSession(ctx, rec); err != nil {
		t.log.Error("failed to save tracking session", "error", err)
	}
}

type targetsMessage struct {
	Origin  geo.Point          `json:"origin"`
	Targets []proximity.Target `json:"targets"`
	Zones   []string           `json:"zones"`
}

// handlePosition publishes an accepted fix to presence and sends the player
// their ranked targets.
func (r *Room) handlePosition(playerID string, sample geo.Sample) {
	r.mu.RLock()
	p, ok := r.Players[playerID]
	var entry presence.Entry
	if ok {
		entry = presence.Entry{
			RoomCode: r.Code,
			PlayerID: playerID,
			Nickname: p.Nickname,
			Role:     p.Role.String(),
			Location: sample.Point,
			Accuracy: sample.Accuracy,
		}
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	entry.UpdatedAt = sample.Timestamp
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = r.deps.Clock.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := r.deps.Presence.Put(ctx, entry); err != nil {
		slog.Warn("failed to store presence", "room", r.Code, "player", playerID, "error", err)
	}

	targets, zones, err := r.Targets(ctx, playerID, sample)
	if err != nil {
		slog.Warn("failed to evaluate targets", "room", r.Code, "player", playerID, "error", err)
		return
	}

	msg, err := ws.NewMessage(ws.TypeTargets, targetsMessage{
		Origin:  sample.Point,
		Targets: targets,
		Zones:   zones,
	})
	if err != nil {
		return
	}
	r.SendToPlayer(playerID, msg)
}

// Targets ranks everything the player can see from sample: other players
// from presence plus the room's static entities. zones lists the IDs of the
// zones the player is standing in.
func (r *Room) Targets(ctx context.Context, playerID string, sample geo.Sample) (targets []proximity.Target, zones []string, err error) {
	snapshot, err := r.deps.Presence.Snapshot(ctx, r.Code)
	if err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	viewer, ok := r.Players[playerID]
	if !ok {
		r.mu.RUnlock()
		return nil, nil, ErrPlayerNotFound
	}

	entities := make([]proximity.Entity, 0, len(snapshot)+len(r.entities))
	for _, e := range snapshot {
		if e.PlayerID == playerID {
			continue
		}
		other, ok := r.Players[e.PlayerID]
		if !ok {
			continue
		}
		loc := e.Location
		entities = append(entities, proximity.Entity{
			ID:       e.PlayerID,
			Kind:     game.KindFor(viewer.Role, other.Role),
			Location: &loc,
		})
	}
	static := append([]proximity.Entity(nil), r.entities...)
	isHunter := viewer.Role.IsHunter()
	r.mu.RUnlock()

	entities = append(entities, static...)
	origin := sample
	targets = proximity.Evaluate(proximity.Query{
		Origin:   &origin,
		Heading:  sample.Heading,
		Entities: entities,
		IsHunter: isHunter,
		Range:    r.deps.Settings.ProximityRange,
	})

	zones = []string{}
	for _, z := range proximity.ZonesContaining(sample.Point, static) {
		zones = append(zones, z.ID)
	}
	return targets, zones, nil
}
