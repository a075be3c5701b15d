package xfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newConnID returns a random identifier for an accepted connection.
func newConnID() string {
	return uuid.NewString()
}

// fileNamer generates destination names for the files of one connection:
//
//	received-<connID>-<index>-<unixnano>.bin
//
// The connection id is random per connection and the index increases
// monotonically within it, so two names can only collide if two
// connections draw the same UUID. The timestamp is informational.
type fileNamer struct {
	connID string
	next   uint64
	now    func() time.Time
}

func newFileNamer(connID string) *fileNamer {
	return &fileNamer{connID: connID, now: time.Now}
}

// Next returns the name for the next file and advances the index.
func (n *fileNamer) Next() string {
	name := fmt.Sprintf("received-%s-%06d-%d.bin", n.connID, n.next, n.now().UnixNano())
	n.next++
	return name
}
