package cmn

import (
	"go.uber.org/atomic"

	"github.com/teris-io/shortid"
)

// Alphabet for generating ids resembling shortid's default, kept from the
// teacher's cmn/shortid.go. len(tieABC) > 0x3f -- see GenTie().
const tieABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid  *shortid.Shortid
	rtie atomic.Int32
)

func init() {
	sid, _ = shortid.New(1, tieABC, 1)
}

// GenUUID generates a short, human-readable, globally-unique id, used for
// the API's background task ids.
func GenUUID() string {
	id, err := sid.Generate()
	if err != nil {
		// shortid only errors on worker exhaustion within the same
		// millisecond; vanishingly unlikely, but never silently
		// return an empty id for a primary-key-adjacent value.
		panic(err)
	}
	return id
}

// GenTie returns a short, monotonically-advancing 3-character tiebreaker
// used to make concurrent temp filenames distinct, exactly as the teacher's
// cmn.GenTie is used by cmn/jsp when writing through a temp-then-rename
// file.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := tieABC[tie&0x3f]
	b1 := tieABC[-tie&0x3f]
	b2 := tieABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
