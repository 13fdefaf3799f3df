package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/api"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/model"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

type printer struct {
	json bool
}

func (p printer) status(st api.SessionStatus) {
	if p.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Session:      %s\n", st.Session)
	fmt.Printf("User:         %s\n", st.UserID)
	fmt.Printf("Connectivity: %s\n", st.Connectivity)
	fmt.Printf("Active room:  %s\n", orNone(st.ActiveRoom))
	fmt.Printf("Uptime:       %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (p printer) rooms(rooms []model.RoomSummary) {
	if p.json {
		outputJSON(rooms)
		return
	}
	for _, r := range rooms {
		unread := ""
		if r.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", r.UnreadCount)
		}
		fmt.Printf("%-36s  %-20s%s  %s\n", r.RoomID, r.Name, unread, r.LastMessage)
	}
}

func (p printer) snapshot(s intsync.Snapshot) {
	if p.json {
		outputJSON(s)
		return
	}
	fmt.Printf("Room: %s  [%s]\n", orNone(s.RoomID), s.Connectivity)
	if s.HasMore {
		fmt.Println("  ... older messages available (chatctl more)")
	}
	failed := make(map[string]bool, len(s.FailedMessageIDs))
	for _, id := range s.FailedMessageIDs {
		failed[id] = true
	}
	for _, m := range s.Messages {
		fmt.Println("  " + formatMessage(m, failed[m.ID]))
	}
	if len(s.TypingUsers) > 0 {
		names := make([]string, len(s.TypingUsers))
		for i, u := range s.TypingUsers {
			names[i] = u.DisplayName
		}
		fmt.Printf("  %s typing...\n", strings.Join(names, ", "))
	}
}

// sendResult prints res and returns errSendFailed when the message did not go out.
func (p printer) sendResult(res api.SendResult) error {
	if p.json {
		outputJSON(res)
	} else if res.Failed {
		fmt.Printf("Failed: %s (retry with: chatctl retry %s)\n", res.Error, res.TempID)
	} else {
		fmt.Printf("Sent: %s\n", res.TempID)
	}
	if res.Failed {
		return errSendFailed
	}
	return nil
}

func (p printer) envelope(env api.Envelope) {
	if p.json {
		outputJSON(env)
		return
	}
	at := time.UnixMilli(env.OccurredAtUnixMs).Format("15:04:05.000")
	if env.Snapshot == nil {
		fmt.Printf("[%s] %s %s\n", at, env.Kind, env.Connectivity)
		return
	}
	fmt.Printf("[%s] %s\n", at, env.Kind)
	p.snapshot(*env.Snapshot)
}

func formatMessage(m model.Message, failed bool) string {
	name := m.Author.DisplayName
	if name == "" {
		name = m.AuthorID
	}
	text := m.Text()
	if m.Deleted {
		text = "(deleted)"
	}
	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), name, text)
	switch {
	case failed:
		line += "  [failed]"
	case m.Status == model.StatusPending:
		line += "  [sending]"
	}
	for _, r := range m.Reactions {
		line += fmt.Sprintf("  %s%d", r.Emoji, r.Count)
	}
	return line + "  #" + m.ID
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
