package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coreemu/core/internal/logging"
	"github.com/coreemu/core/internal/protocol"
)

// connClient is one accepted connection. id is the index-based handle
// other tables reference instead of a pointer into this struct, so a
// connection can be torn down while command entries it owns are still
// referenced by pid. log carries a per-connection correlation id
// (corrID) on every line it emits: id alone is dense and recycled across
// server restarts, which makes it a poor key to grep logs for.
//
// sendMu serializes every Send on this connection's socket. Two
// goroutines can legitimately want to write to the same connClient at
// once — the CMDREQ handler sending CMDREQACK and the reap-consumer
// sending CMDSTATUS for a command that exited before the ack went out —
// and holding sendMu across the whole insert-then-ack sequence in
// handleCmdReq is what keeps CMDREQACK ordered before CMDSTATUS on the
// wire despite the table insert itself happening first.
type connClient struct {
	id     uint64
	corrID string
	conn   *protocol.Conn
	log    *logging.Logger

	sendMu sync.Mutex
}

func newConnClient(id uint64, conn *protocol.Conn, base *logging.Logger) *connClient {
	corrID := uuid.NewString()
	return &connClient{
		id:     id,
		corrID: corrID,
		conn:   conn,
		log:    base.With(logging.Ctx{"client": id, "corr_id": corrID}),
	}
}
