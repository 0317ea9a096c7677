package matrix

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

// ErrUnknownUser is returned by Room for ids no Matrix user was mapped to.
var ErrUnknownUser = errors.New("matrix: unknown user id")

// Identities maps Matrix user ids to the numeric ids the bot works with.
// Numbers are allocated downwards from -1 so they never collide with
// Telegram ids.
type Identities struct {
	db    *sql.DB
	clock clock.Clock

	mu   sync.Mutex
	byID map[int64]identity
	byMX map[id.UserID]int64
}

type identity struct {
	mxid id.UserID
	room id.RoomID
}

// NewIdentities creates an Identities over a migrated database.
func NewIdentities(db *sql.DB, clk clock.Clock) *Identities {
	return &Identities{
		db:    db,
		clock: clock.OrSystem(clk),
		byID:  make(map[int64]identity),
		byMX:  make(map[id.UserID]int64),
	}
}

// Resolve returns the numeric id for mxid, allocating one on first contact.
// room becomes the user's direct room.
func (i *Identities) Resolve(ctx context.Context, mxid id.UserID, room id.RoomID) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if uid, ok := i.byMX[mxid]; ok && i.byID[uid].room == room {
		return uid, nil
	}
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO matrix_identities (user_id, mxid, room_id, created_at)
		SELECT COALESCE(MIN(user_id), 0) - 1, ?, ?, ? FROM matrix_identities WHERE true
		ON CONFLICT(mxid) DO UPDATE SET room_id = excluded.room_id`,
		mxid.String(), room.String(), i.clock.Now().UnixMilli())
	if err != nil {
		return 0, store.Wrap("resolve matrix identity", err)
	}
	var uid int64
	if err := i.db.QueryRowContext(ctx,
		`SELECT user_id FROM matrix_identities WHERE mxid = ?`, mxid.String()).Scan(&uid); err != nil {
		return 0, store.Wrap("resolve matrix identity", err)
	}
	i.byMX[mxid] = uid
	i.byID[uid] = identity{mxid: mxid, room: room}
	return uid, nil
}

// Room returns the direct room of a numeric id.
func (i *Identities) Room(ctx context.Context, userID int64) (id.RoomID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if ident, ok := i.byID[userID]; ok {
		return ident.room, nil
	}
	var mxid, room string
	err := i.db.QueryRowContext(ctx,
		`SELECT mxid, room_id FROM matrix_identities WHERE user_id = ?`, userID).Scan(&mxid, &room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", store.Wrap("load matrix identity", err)
	}
	i.byMX[id.UserID(mxid)] = userID
	i.byID[userID] = identity{mxid: id.UserID(mxid), room: id.RoomID(room)}
	return id.RoomID(room), nil
}
