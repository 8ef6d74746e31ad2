// roomsync-inspect dumps one user's view of a local database: their room
// list with unread counts, their notification counters and optionally the
// message log of one room.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"roomsync/pkg/backend"
	"roomsync/pkg/directory"
	"roomsync/pkg/logger"
	"roomsync/pkg/models"
	"roomsync/pkg/notify"
	"roomsync/pkg/store"
)

func main() {
	var (
		dbPath string
		userID string
		role   string
		room   string
		limit  int
	)
	flag.StringVar(&dbPath, "db", "", "path to the local pebble database")
	flag.StringVar(&userID, "user", "", "user id to inspect as")
	flag.StringVar(&role, "role", "seeker", "role of the user (manager|seeker)")
	flag.StringVar(&room, "room", "", "optional room key to dump messages for (project:seeker)")
	flag.IntVar(&limit, "limit", 50, "max messages to print")
	flag.Parse()
	if dbPath == "" || userID == "" {
		fmt.Fprintln(os.Stderr, "-db and -user required")
		os.Exit(2)
	}

	logger.InitWithLevel("warn")
	local, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer local.Close()

	user := models.Identity{ID: userID, Role: models.RoleSeeker}
	if role == "manager" {
		user.Role = models.RoleManager
	}
	ctx := context.Background()

	dir := directory.New(local, user)
	rooms := dir.ListRooms(ctx)
	fmt.Printf("rooms (%d):\n", len(rooms))
	for _, r := range rooms {
		fmt.Printf("  %-24s %-10s partner=%s (%s) unread=%d\n",
			r.Key.String(), r.Status, r.Partner.Name, r.Partner.ID, r.Unread)
	}

	agg := notify.New(local, local, user)
	c := agg.RecomputeAll(ctx)
	fmt.Printf("counters: messages=%d invitations=%d applications=%d total=%d\n",
		c.Messages, c.Invitations, c.Applications, c.Total())

	if room != "" {
		parts := strings.SplitN(room, ":", 2)
		if len(parts) != 2 {
			fmt.Fprintln(os.Stderr, "-room must be project:seeker")
			os.Exit(2)
		}
		key := models.RoomKey{ProjectID: parts[0], SeekerID: parts[1]}
		dumpRoom(ctx, local, key, limit)
	}
}

func dumpRoom(ctx context.Context, local *store.Local, key models.RoomKey, limit int) {
	msgs, err := local.ListMessages(ctx, backend.MessageQuery{Room: &key, Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list messages: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("messages in %s (%d):\n", key.String(), len(msgs))
	for _, m := range msgs {
		ts := time.Unix(0, m.TS).UTC().Format(time.RFC3339)
		read := " "
		if m.Read {
			read = "r"
		}
		line := fmt.Sprintf("  [%s] %s %s: %s", ts, read, m.SenderID, m.Text)
		if m.Attachment != nil {
			line += fmt.Sprintf(" (attachment %s)", m.Attachment.URL)
		}
		if len(m.Reactions) > 0 {
			var emo []string
			for _, r := range m.Reactions {
				emo = append(emo, r.Emoji)
			}
			line += " " + strings.Join(emo, "")
		}
		fmt.Println(line)
	}
}
