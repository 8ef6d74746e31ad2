package ids

import "github.com/google/uuid"

// GenMessageID returns a server-side message row id.
func GenMessageID() string {
	return "msg_" + uuid.NewString()
}

// GenClientRef returns a client-generated provisional id. The prefix keeps
// provisional ids visually distinct from confirmed row ids in logs.
func GenClientRef() string {
	return "tmp_" + uuid.NewString()
}
