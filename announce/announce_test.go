package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealdrip/pkg/deal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureSender struct {
	msgs []tgbotapi.MessageConfig
}

func (c *captureSender) Send(ch tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := ch.(tgbotapi.MessageConfig); ok {
		c.msgs = append(c.msgs, m)
	}
	return tgbotapi.Message{MessageID: len(c.msgs)}, nil
}

func samplePost() *deal.Post {
	return &deal.Post{
		ID:             "post-1",
		Title:          "Boots <Gore-Tex> & more",
		TrackingLink:   "https://track.example/boots?a=1&b=2",
		AdvertiserName: "Gear & Co",
		Price:          200,
		SalePrice:      99.5,
		DiscountTag:    50,
	}
}

func TestFormatMessage(t *testing.T) {
	got := formatMessage(samplePost())
	wants := []string{
		"<b>-50%</b>",
		"<b>Boots &lt;Gore-Tex&gt; &amp; more</b>",
		"<s>200.00</s> 99.50",
		"at Gear &amp; Co",
		`<a href="https://track.example/boots?a=1&amp;b=2">`,
	}
	for _, want := range wants {
		if !strings.Contains(got, want) {
			t.Errorf("message missing %q:\n%s", want, got)
		}
	}
}

func TestAnnounce(t *testing.T) {
	bot := &captureSender{}
	a := New(bot, -100123, testLogger())

	if err := a.Announce(context.Background(), samplePost()); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	archived := samplePost()
	archived.Archived = true
	if err := a.Announce(context.Background(), archived); err != nil {
		t.Fatal(err)
	}

	if len(bot.msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.msgs))
	}
	if bot.msgs[0].ChatID != -100123 || bot.msgs[0].ParseMode != tgbotapi.ModeHTML {
		t.Errorf("message = %+v", bot.msgs[0])
	}
}

func TestAnnounceThroughBotAPI(t *testing.T) {
	var sentText, sentChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"deals","username":"deals_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			sentText, sentChat = r.PostForm.Get("text"), r.PostForm.Get("chat_id")
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"channel"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	bot, err := NewBot("token", srv.URL+"/bot%s/%s", srv.Client())
	if err != nil {
		t.Fatalf("NewBot() error = %v", err)
	}
	if err := New(bot, 42, testLogger()).Announce(context.Background(), samplePost()); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if sentChat != "42" || !strings.Contains(sentText, "Get the deal") {
		t.Errorf("sent chat=%q text=%q", sentChat, sentText)
	}
}

func TestNewBotRequiresToken(t *testing.T) {
	if _, err := NewBot("", "", nil); err == nil {
		t.Error("NewBot() without token succeeded")
	}
}
