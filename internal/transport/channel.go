package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseChannelID splits a persisted channel id, "<chat>" or
// "<chat>:<thread>" for forum topics.
func ParseChannelID(channelID string) (ChatTarget, error) {
	chatPart, threadPart, hasThread := strings.Cut(strings.TrimSpace(channelID), ":")
	bad := fmt.Errorf("%w: bad channel id %q", ErrChatNotFound, channelID)
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, bad
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(threadPart)
		if err != nil || thread <= 0 {
			return ChatTarget{}, bad
		}
		t.ThreadID = thread
	}
	return t, nil
}

// ChannelID is the inverse of ParseChannelID.
func (t ChatTarget) ChannelID() string {
	if t.ThreadID > 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}
