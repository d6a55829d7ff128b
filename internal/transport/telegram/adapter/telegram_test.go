package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	t.Run("short text untouched", func(t *testing.T) {
		t.Parallel()
		got := splitTelegramText("hello", 100, "")
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("line one\n", 30)
		for _, chunk := range splitTelegramText(text, 100, "") {
			if len([]rune(chunk)) > 100 {
				t.Errorf("chunk exceeds limit: %d runes", len([]rune(chunk)))
			}
			if strings.HasPrefix(chunk, "\n") {
				t.Error("chunk starts with newline")
			}
		}
	})

	t.Run("avoids splitting inside html tag", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("x", 95) + "<b>bold</b>"
		for _, chunk := range splitTelegramText(text, 100, "HTML") {
			opens := strings.Count(chunk, "<")
			closes := strings.Count(chunk, ">")
			if opens != closes {
				t.Errorf("dangling tag in chunk %q", chunk)
			}
		}
	})
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:      7,
		Chat:    &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender:  &tele.User{ID: 555, Username: "EpicRPG", IsBot: true},
		Text:    "you are on cooldown",
		Caption: "wait 1m 0s",
		Entities: []tele.MessageEntity{
			{Type: tele.EntityTMention, User: &tele.User{ID: 42}},
			{Type: tele.EntityMention}, // @username mention carries no id
		},
	}
	got := convertMessage(m)
	if got.ID != 7 || got.ChatID != -100 || got.FromID != 555 || !got.FromIsBot {
		t.Errorf("identity fields wrong: %+v", got)
	}
	if !got.IsGroup {
		t.Error("supergroup should map to IsGroup")
	}
	if want := "you are on cooldown\nwait 1m 0s"; got.Text != want {
		t.Errorf("Text = %q, want %q", got.Text, want)
	}
	if len(got.Mentions) != 1 || got.Mentions[0] != 42 {
		t.Errorf("Mentions = %v, want [42]", got.Mentions)
	}
}
