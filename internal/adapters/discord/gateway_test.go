package discord

import (
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestParseIDRoundTrip(t *testing.T) {
	id, err := parseID(formatID(1234567890123456789))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if id != 1234567890123456789 {
		t.Fatalf("ожидали исходный идентификатор, получили %d", id)
	}
}

func TestParseIDRejectsGarbage(t *testing.T) {
	if _, err := parseID("not-a-snowflake"); err == nil {
		t.Fatalf("мусор не должен парситься как snowflake")
	}
}

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name: "неизвестное сообщение",
			err: &discordgo.RESTError{
				Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
			},
			expected: true,
		},
		{
			name: "неизвестный канал",
			err: &discordgo.RESTError{
				Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
			},
			expected: true,
		},
		{
			name: "голый 404",
			err: &discordgo.RESTError{
				Response: &http.Response{StatusCode: http.StatusNotFound},
			},
			expected: true,
		},
		{
			name: "rate limit",
			err: &discordgo.RESTError{
				Response: &http.Response{StatusCode: http.StatusTooManyRequests},
			},
			expected: false,
		},
		{
			name:     "обычная ошибка",
			err:      http.ErrServerClosed,
			expected: false,
		},
	}
	for _, c := range cases {
		if got := isNotFound(c.err); got != c.expected {
			t.Fatalf("%s: ожидали %v, получили %v", c.name, c.expected, got)
		}
	}
}
